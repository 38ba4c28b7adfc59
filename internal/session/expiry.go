package session

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// StartExpiryWatch checks the bearer token every interval and takes the
// unauthorized path locally once its exp claim has passed. Call Stop to end it.
func (m *Machine) StartExpiryWatch(interval time.Duration) {
	m.mu.Lock()
	if m.watchTicker != nil {
		m.mu.Unlock()
		return
	}
	m.watchTicker = time.NewTicker(interval)
	m.stopWatch = make(chan struct{})
	ticker, stop := m.watchTicker, m.stopWatch
	m.mu.Unlock()

	go m.watchLoop(ticker, stop)
}

// Stop ends the expiry watcher if it is running.
func (m *Machine) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.watchTicker == nil {
		return
	}
	m.watchTicker.Stop()
	close(m.stopWatch)
	m.watchTicker = nil
	m.stopWatch = nil
}

func (m *Machine) watchLoop(ticker *time.Ticker, stop chan struct{}) {
	for {
		select {
		case <-ticker.C:
			m.checkExpiry()
		case <-stop:
			return
		}
	}
}

// checkExpiry runs one expiry check.
func (m *Machine) checkExpiry() bool {
	token, ok := m.AccessToken()
	if !ok || !tokenExpired(token, m.now()) {
		return false
	}
	m.HandleUnauthorized("token_expiry")
	return true
}

// tokenExpired decodes the token as a JWT without verifying its signature
// and reports whether its exp claim is at or before now. Opaque tokens and
// tokens without exp never expire client-side; the backend's 401 decides.
func tokenExpired(token string, now time.Time) bool {
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return false
	}
	if claims.ExpiresAt == nil {
		return false
	}
	return !claims.ExpiresAt.Time.After(now)
}
