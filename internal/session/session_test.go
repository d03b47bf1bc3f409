package session

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestSessionSetGetDelete(t *testing.T) {
	s := New()
	s.Set("ftp", FTPCredentials{Host: "example.com", Port: 21})

	c, ok := Lookup[FTPCredentials](s, "ftp")
	if !ok {
		t.Fatal("expected ftp credentials")
	}
	if c.Host != "example.com" {
		t.Fatalf("host: got %q", c.Host)
	}

	if _, ok := Lookup[OAuthCredentials](s, "ftp"); ok {
		t.Fatal("lookup with the wrong credential type must fail")
	}

	s.Delete("ftp")
	if _, ok := s.Get("ftp"); ok {
		t.Fatal("credentials should be gone after Delete")
	}
}

func TestSessionKeysAreIndependentPerConnector(t *testing.T) {
	s := New()
	s.Set("ftp-storage", FTPCredentials{RootPath: "/sites"})
	s.Set("ftp-hosting", FTPCredentials{RootPath: "/public_html"})

	a, _ := Lookup[FTPCredentials](s, "ftp-storage")
	b, _ := Lookup[FTPCredentials](s, "ftp-hosting")
	if a.RootPath == b.RootPath {
		t.Fatal("storage and hosting credentials must not collide")
	}
}

func TestSessionUpdateNilDeletes(t *testing.T) {
	s := New()
	s.Set("gitlab", OAuthCredentials{AccessToken: "a"})
	s.Update("gitlab", func(Credentials, bool) Credentials { return nil })
	if _, ok := s.Get("gitlab"); ok {
		t.Fatal("Update returning nil should delete the entry")
	}
}

func TestSessionConcurrentUpdate(t *testing.T) {
	s := New()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Update("gitlab", func(c Credentials, ok bool) Credentials {
				cur, _ := c.(OAuthCredentials)
				cur.UserID++
				return cur
			})
		}()
	}
	wg.Wait()
	c, _ := Lookup[OAuthCredentials](s, "gitlab")
	if c.UserID != 50 {
		t.Fatalf("UserID: got %d, want 50", c.UserID)
	}
}

func TestStoreSweepRemovesIdleSessions(t *testing.T) {
	st := NewStore(10 * time.Millisecond)
	idle := st.Create()
	time.Sleep(20 * time.Millisecond)
	fresh := st.Create()

	if n := st.Sweep(); n != 1 {
		t.Fatalf("Sweep: got %d, want 1", n)
	}
	if _, ok := st.Get(idle.ID); ok {
		t.Fatal("idle session should have been swept")
	}
	if _, ok := st.Get(fresh.ID); !ok {
		t.Fatal("fresh session should survive")
	}
}

func TestStoreDestroy(t *testing.T) {
	st := NewStore(0)
	s := st.Create()
	st.Destroy(s.ID)
	if st.Len() != 0 {
		t.Fatalf("Len: got %d, want 0", st.Len())
	}
}

func TestContextRoundTrip(t *testing.T) {
	s := New()
	ctx := WithContext(context.Background(), s)
	if FromContext(ctx) != s {
		t.Fatal("FromContext should return the attached session")
	}
	if FromContext(context.Background()) != nil {
		t.Fatal("FromContext on a bare context should be nil")
	}
}
