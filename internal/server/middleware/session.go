package middleware

import (
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/silexlabs/silex/backend/internal/crypto"
	"github.com/silexlabs/silex/backend/internal/session"
)

// CookieName is the cookie carrying the sealed session id.
const CookieName = "silex_session"

// Session attaches the caller's session to the request context. A missing,
// tampered or expired cookie gets a fresh session and a new cookie.
func Session(store *session.Store, c *crypto.Cipher, secure bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sess := lookup(r, store, c)
			if sess == nil {
				sess = store.Create()
				sealed, err := c.Seal(sess.ID)
				if err != nil {
					log.Error().Err(err).Msg("session: seal cookie")
					http.Error(w, "Internal Server Error", http.StatusInternalServerError)
					return
				}
				http.SetCookie(w, &http.Cookie{
					Name:     CookieName,
					Value:    sealed,
					Path:     "/",
					HttpOnly: true,
					Secure:   secure,
					SameSite: http.SameSiteLaxMode,
				})
				log.Debug().Str("session", sess.ID).Msg("session: created")
			}

			next.ServeHTTP(w, r.WithContext(session.WithContext(r.Context(), sess)))
		})
	}
}

func lookup(r *http.Request, store *session.Store, c *crypto.Cipher) *session.Session {
	ck, err := r.Cookie(CookieName)
	if err != nil || ck.Value == "" {
		return nil
	}
	id, err := c.Open(ck.Value)
	if err != nil {
		log.Debug().Err(err).Msg("session: unreadable cookie")
		return nil
	}
	sess, ok := store.Get(id)
	if !ok {
		return nil
	}
	return sess
}
