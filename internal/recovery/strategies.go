package recovery

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// Hooks are the component operations the default strategies drive. Nil
// hooks make the corresponding strategy report failure, which moves
// recovery on to the next strategy in line.
type Hooks struct {
	// network
	RetryNetwork     func(ctx context.Context) error
	EnterOfflineMode func(ctx context.Context) error

	// authentication
	RefreshSession func(ctx context.Context) error
	RequireReauth  func(ctx context.Context) error

	// encryption
	ResetKeyMaterial func(ctx context.Context) error
	AllowPlaintext   func(ctx context.Context) error // development only

	// storage
	CleanupStorage func(ctx context.Context) error
	LocalOnlyMode  func(ctx context.Context) error

	// sync
	PrioritySync func(ctx context.Context) error
	DeferSync    func(ctx context.Context) error
}

var errNoHook = errors.New("recovery: no hook wired for strategy")

func hook(fn func(ctx context.Context) error) func(context.Context, *ErrorRecord) error {
	return func(ctx context.Context, _ *ErrorRecord) error {
		if fn == nil {
			return errNoHook
		}
		return fn(ctx)
	}
}

// RegisterDefaults wires the standard fallback ladder into the engine:
//
//	network        retry with jitter, then degrade to offline mode
//	authentication refresh the session, then require reauthentication
//	encryption     reset key material, then plaintext fallback (dev only)
//	storage        free-space cleanup, then local-storage-only mode
//	sync           partial priority sync, then defer to the later queue
func RegisterDefaults(e *Engine, h Hooks) {
	e.Register(Strategy{
		Name:     "retry-with-jitter",
		Category: CategoryNetwork,
		Priority: 10,
		CanRetry: true, MaxRetries: 3,
		Handler: func(ctx context.Context, rec *ErrorRecord) error {
			if h.RetryNetwork == nil {
				return errNoHook
			}
			// Short jittered pause before the retry so a flapping link
			// is not hammered in lockstep.
			select {
			case <-time.After(time.Duration(100+rand.Intn(400)) * time.Millisecond):
			case <-ctx.Done():
				return ctx.Err()
			}
			return h.RetryNetwork(ctx)
		},
	})
	e.Register(Strategy{
		Name:     "degrade-to-offline",
		Category: CategoryNetwork,
		Priority: 20,
		Handler:  hook(h.EnterOfflineMode),
	})

	e.Register(Strategy{
		Name:     "refresh-session",
		Category: CategoryAuthentication,
		Priority: 10,
		CanRetry: true, MaxRetries: 2,
		Handler: hook(h.RefreshSession),
	})
	e.Register(Strategy{
		Name:     "require-reauthentication",
		Category: CategoryAuthentication,
		Priority: 20,
		Handler:  hook(h.RequireReauth),
	})

	e.Register(Strategy{
		Name:     "reset-key-material",
		Category: CategoryEncryption,
		Priority: 10,
		Handler:  hook(h.ResetKeyMaterial),
	})
	e.Register(Strategy{
		Name:     "plaintext-fallback",
		Category: CategoryEncryption,
		Priority: 20,
		Handler:  hook(h.AllowPlaintext),
	})

	e.Register(Strategy{
		Name:     "free-space-cleanup",
		Category: CategoryStorage,
		Priority: 10,
		Handler:  hook(h.CleanupStorage),
	})
	e.Register(Strategy{
		Name:     "local-storage-only",
		Category: CategoryStorage,
		Priority: 20,
		Handler:  hook(h.LocalOnlyMode),
	})

	e.Register(Strategy{
		Name:     "partial-priority-sync",
		Category: CategorySync,
		Priority: 10,
		CanRetry: true, MaxRetries: 3,
		Handler: hook(h.PrioritySync),
	})
	e.Register(Strategy{
		Name:     "defer-to-later-queue",
		Category: CategorySync,
		Priority: 20,
		Handler:  hook(h.DeferSync),
	})
}

// actionsFor returns the user-facing recovery options offered when a
// critical error in category stays unresolved.
func actionsFor(category Category) []RecoveryAction {
	switch category {
	case CategoryStorage:
		return []RecoveryAction{
			{
				Name:                 "clear-cache",
				Description:          "Clear the local cache and re-download data from the server",
				Destructive:          true,
				RequiresConfirmation: true,
			},
			{
				Name:        "export-data",
				Description: "Export local data to a file before further troubleshooting",
			},
		}
	case CategoryEncryption:
		return []RecoveryAction{
			{
				Name:                 "reset-keys",
				Description:          "Reset encryption keys; you will need to sign in again",
				Destructive:          true,
				RequiresConfirmation: true,
			},
		}
	case CategoryAuthentication:
		return []RecoveryAction{
			{
				Name:        "sign-in-again",
				Description: "Sign out and sign back in to restore the session",
			},
		}
	case CategoryNetwork, CategorySync:
		return []RecoveryAction{
			{
				Name:        "retry-sync",
				Description: "Retry synchronization now",
			},
			{
				Name:        "work-offline",
				Description: "Continue offline; changes sync automatically later",
			},
		}
	default:
		return []RecoveryAction{
			{
				Name:        "contact-support",
				Description: "Report this problem with the recent error log attached",
			},
		}
	}
}
