// Package supervisor restarts a NodeService after an identity collision,
// following spec §4.10/§8 scenario 5: the persisted identity is quarantined
// and the node cold-starts with a freshly generated one.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/quietmesh/noded/internal/node"
)

// Factory builds a fresh NodeService bound to home, used for both the
// initial start and every identity-collision restart.
type Factory func(home string) (*node.NodeService, error)

// Supervisor owns the restart loop around a NodeService.
type Supervisor struct {
	Home    string
	NewNode Factory
	Log     *slog.Logger
}

// New returns a Supervisor bound to home.
func New(home string, newNode Factory, log *slog.Logger) *Supervisor {
	if log == nil {
		log = slog.Default()
	}
	return &Supervisor{Home: home, NewNode: newNode, Log: log}
}

// Run starts the node and restarts it once after an identity collision,
// quarantining the colliding identity file first. It returns when ctx is
// canceled or the node terminates for any other reason.
func (s *Supervisor) Run(ctx context.Context) error {
	for {
		n, err := s.NewNode(s.Home)
		if err != nil {
			return fmt.Errorf("supervisor: build node: %w", err)
		}

		runErr := n.Start(ctx)

		if reason, fired := n.TerminationReason(); fired && reason == node.TerminationIdentityCollision {
			s.Log.Warn("identity collision detected, quarantining identity and restarting")
			if err := s.quarantineIdentity(); err != nil {
				return fmt.Errorf("supervisor: quarantine identity: %w", err)
			}
			continue
		}

		return runErr
	}
}

// quarantineIdentity renames identity.secret to identity.secret.saved_after_collision
// and removes identity.public, so the next Start generates a new identity.
func (s *Supervisor) quarantineIdentity() error {
	secret := filepath.Join(s.Home, "identity.secret")
	quarantined := filepath.Join(s.Home, "identity.secret.saved_after_collision")
	if err := os.Rename(secret, quarantined); err != nil && !os.IsNotExist(err) {
		return err
	}
	public := filepath.Join(s.Home, "identity.public")
	if err := os.Remove(public); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
