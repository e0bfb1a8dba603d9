// Package locker provides an HTTP middleware that can close an interface
// to outside requests, returning 423 (Locked).  A scan host takes the lock
// while it owns the detector so stray clients cannot disturb a running
// acquisition.
package locker

import (
	"encoding/json"
	"go/types"
	"net/http"
	"strings"

	"goji.io/pat"

	"github.com/ALBA-Synchrotron/sardana-limaccd/server"
)

// Inject adds the lock manipulation routes to an HTTPer's table.
func Inject(other server.HTTPer, l *Locker) {
	rt := other.RT()
	rt[pat.Get("/lock")] = l.HTTPGet
	rt[pat.Post("/lock")] = l.HTTPSet
}

// Locker behaves like a mutex without the blocking and knows which routes
// stay reachable while held.
type Locker struct {
	locked bool

	// Passthrough lists path fragments the lock does not apply to, so a
	// locked interface can still be inspected and unlocked.
	Passthrough []string
}

// New returns a Locker that keeps the lock and status routes reachable.
func New() *Locker {
	return &Locker{Passthrough: []string{"lock", "status", "endpoints"}}
}

// Lock closes the interface.
func (l *Locker) Lock() { l.locked = true }

// Unlock opens the interface.
func (l *Locker) Unlock() { l.locked = false }

// Locked reports whether the interface is closed.
func (l *Locker) Locked() bool { return l.locked }

// Check is the middleware: requests to protected routes bounce with 423
// while the lock is held.
func (l *Locker) Check(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if l.Locked() {
			protected := true
			for _, frag := range l.Passthrough {
				if strings.Contains(r.URL.Path, frag) {
					protected = false
					break
				}
			}
			if protected {
				w.WriteHeader(http.StatusLocked)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// HTTPSet locks or unlocks based on a {"bool": value} body.
func (l *Locker) HTTPSet(w http.ResponseWriter, r *http.Request) {
	b := server.BoolT{}
	if err := json.NewDecoder(r.Body).Decode(&b); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if b.Bool {
		l.Lock()
	} else {
		l.Unlock()
	}
	w.WriteHeader(http.StatusOK)
}

// HTTPGet returns the lock state as {"bool": value}.
func (l *Locker) HTTPGet(w http.ResponseWriter, r *http.Request) {
	hp := server.HumanPayload{T: types.Bool, Bool: l.Locked()}
	hp.EncodeAndRespond(w, r)
}
