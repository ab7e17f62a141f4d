package collaboration

import (
	"time"

	"collab-engine/internal/models"
	"collab-engine/internal/pool"

	"github.com/cenkalti/backoff/v5"
)

// User is a session member. All fields are guarded by the owning Session's mu.
type User struct {
	ClientID string
	Username string
	JoinedAt time.Time

	conn          pool.Conn
	active        bool
	lastHeartbeat time.Time
	sendFailures  int
	version       int
	cursors       map[string]models.CursorPosition // filePath -> position
	backoff       *backoff.ExponentialBackOff
}

func newUser(clientID, username string, conn pool.Conn, now time.Time) *User {
	return &User{
		ClientID:      clientID,
		Username:      username,
		JoinedAt:      now,
		conn:          conn,
		active:        true,
		lastHeartbeat: now,
		cursors:       make(map[string]models.CursorPosition),
		backoff:       newReconnectBackoff(),
	}
}

func (u *User) info() models.UserInfo {
	return models.UserInfo{
		ClientID: u.ClientID,
		Username: u.Username,
		Active:   u.active,
		JoinedAt: u.JoinedAt,
	}
}

// Reconnect hints start at one second and double up to a minute.
func newReconnectBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = time.Minute
	b.Reset()
	return b
}
