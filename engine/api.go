package engine

import (
	"bytes"
	"context"
	"fmt"

	"github.com/ruteri/derec-engine/executor"
	"github.com/ruteri/derec-engine/helper"
	"github.com/ruteri/derec-engine/identity"
	"github.com/ruteri/derec-engine/interfaces"
	"github.com/ruteri/derec-engine/sharer"
)

// Synchronous operations submit a command and wait for it. The Async
// variants return the command's future.

func (e *Engine) CreateSecret(ctx context.Context, description string, helpers []*identity.Identity, payload []byte) (interfaces.SecretID, error) {
	if e.sharer == nil {
		return interfaces.SecretID{}, ErrRoleDisabled
	}
	return executor.Submit(e.exec, executor.KindAddHelpers, func() (interfaces.SecretID, error) {
		sec, err := e.sharer.CreateSecret(description, helpers, payload)
		if err != nil {
			return interfaces.SecretID{}, err
		}
		return sec.ID, nil
	}).Wait(ctx)
}

func (e *Engine) Update(ctx context.Context, id interfaces.SecretID, payload []byte) (int32, error) {
	return e.UpdateAsync(id, payload).Wait(ctx)
}

// UpdateAsync stores payload as a new version of the secret.
func (e *Engine) UpdateAsync(id interfaces.SecretID, payload []byte) *executor.Future[int32] {
	if e.sharer == nil {
		return executor.Resolved[int32](0, ErrRoleDisabled)
	}
	payload = bytes.Clone(payload)
	return executor.Submit(e.exec, executor.KindUpdate, func() (int32, error) {
		return e.sharer.Update(id, payload)
	})
}

func (e *Engine) AddHelpers(ctx context.Context, id interfaces.SecretID, helpers []*identity.Identity) error {
	_, err := e.AddHelpersAsync(id, helpers).Wait(ctx)
	return err
}

func (e *Engine) AddHelpersAsync(id interfaces.SecretID, helpers []*identity.Identity) *executor.Future[struct{}] {
	if e.sharer == nil {
		return executor.Resolved(struct{}{}, ErrRoleDisabled)
	}
	return executor.Do(e.exec, executor.KindAddHelpers, func() error {
		return e.sharer.AddHelpers(id, helpers, true)
	})
}

func (e *Engine) RemoveHelpers(ctx context.Context, id interfaces.SecretID, helpers []*identity.Identity) error {
	_, err := e.RemoveHelpersAsync(id, helpers).Wait(ctx)
	return err
}

func (e *Engine) RemoveHelpersAsync(id interfaces.SecretID, helpers []*identity.Identity) *executor.Future[struct{}] {
	if e.sharer == nil {
		return executor.Resolved(struct{}{}, ErrRoleDisabled)
	}
	return executor.Do(e.exec, executor.KindRemoveHelpers, func() error {
		return e.sharer.RemoveHelpers(id, helpers)
	})
}

// CloseSecret stops maintaining a secret.
func (e *Engine) CloseSecret(ctx context.Context, id interfaces.SecretID) error {
	if e.sharer == nil {
		return ErrRoleDisabled
	}
	_, err := executor.Do(e.exec, executor.KindUpdate, func() error {
		return e.sharer.Close(id)
	}).Wait(ctx)
	return err
}

// StartRecovery pairs with helpers in recovery mode and returns the id of
// the placeholder secret that collects their shares.
func (e *Engine) StartRecovery(ctx context.Context, helpers []*identity.Identity) (interfaces.SecretID, error) {
	if e.sharer == nil {
		return interfaces.SecretID{}, ErrRoleDisabled
	}
	return executor.Submit(e.exec, executor.KindAddHelpers, func() (interfaces.SecretID, error) {
		sec, err := e.sharer.StartRecovery(helpers)
		if err != nil {
			return interfaces.SecretID{}, err
		}
		return sec.ID, nil
	}).Wait(ctx)
}

// RecoveryDone reports whether the last recovery placeholder has been closed.
func (e *Engine) RecoveryDone(ctx context.Context) (bool, error) {
	if e.sharer == nil {
		return false, ErrRoleDisabled
	}
	return executor.Submit(e.exec, executor.KindQuery, func() (bool, error) {
		rc := e.sharer.Recovery()
		if rc == nil {
			return false, nil
		}
		return rc.Placeholder().IsClosed, nil
	}).Wait(ctx)
}

func (e *Engine) SecretStatus(ctx context.Context, id interfaces.SecretID) (*sharer.SecretSnapshot, error) {
	if e.sharer == nil {
		return nil, ErrRoleDisabled
	}
	return executor.Submit(e.exec, executor.KindQuery, func() (*sharer.SecretSnapshot, error) {
		return e.sharer.Status(id)
	}).Wait(ctx)
}

func (e *Engine) SecretIDs(ctx context.Context) ([]interfaces.SecretID, error) {
	if e.sharer == nil {
		return nil, ErrRoleDisabled
	}
	return executor.Submit(e.exec, executor.KindQuery, func() ([]interfaces.SecretID, error) {
		return e.sharer.SecretIDs(), nil
	}).Wait(ctx)
}

// LatestVersion returns the highest retained version of a secret and a copy
// of its payload.
func (e *Engine) LatestVersion(ctx context.Context, id interfaces.SecretID) (int32, []byte, error) {
	if e.sharer == nil {
		return 0, nil, ErrRoleDisabled
	}
	type latest struct {
		number  int32
		payload []byte
	}
	res, err := executor.Submit(e.exec, executor.KindQuery, func() (latest, error) {
		sec, ok := e.sharer.Secret(id)
		if !ok {
			return latest{}, fmt.Errorf("%w: %s", interfaces.ErrUnknownSecret, id)
		}
		v, ok := sec.Version(sec.MaxVersion())
		if !ok {
			return latest{}, fmt.Errorf("secret %s has no versions", id)
		}
		return latest{number: v.Number, payload: bytes.Clone(v.Payload)}, nil
	}).Wait(ctx)
	return res.number, res.payload, err
}

// HelperStatuses lists the pairings held by the local Helper.
func (e *Engine) HelperStatuses() ([]helper.SharerStatus, error) {
	if e.helper == nil {
		return nil, ErrRoleDisabled
	}
	return e.helper.SharerStatuses(), nil
}
