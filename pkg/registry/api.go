package registry

import (
	"time"

	"github.com/google/uuid"
	"github.com/kbats183/shmstream/pkg/api"
	"github.com/kbats183/shmstream/pkg/stats"
)

// Kicker deauthorizes the viewer holding a statistics slot, provided the
// slot still belongs to session.
type Kicker interface {
	Kick(slot int, session uuid.UUID) bool
}

type Registry interface {
	GetStreams() ([]*api.Stream, error)
	GetStream(name string) (*api.Stream, error)
	GetStatus(name string) (*api.StreamStatus, error)
	GetViewers(name string) ([]*api.Viewer, error)
	AllViewers() []*api.Viewer
	KickViewer(name string, slot int) error
	KickStream(name string) (int, error)
	// Update replaces the known viewers with the result of one sweep.
	Update(viewers []stats.Viewer, now time.Time)
	// Subscribe returns a channel receiving every viewer list published by
	// Update, and a function to unsubscribe.
	Subscribe() (<-chan []*api.Viewer, func())
}
