package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/ruteri/derec-engine/common"
	"github.com/ruteri/derec-engine/executor"
	"github.com/ruteri/derec-engine/identity"
	"github.com/ruteri/derec-engine/interfaces"
	"github.com/ruteri/derec-engine/messages"
)

// roleOutbox sends on behalf of one local identity. It serves as the Sharer's
// Outbox and the Helper's Scheduler.
type roleOutbox struct {
	engine *Engine
	self   *identity.LibIdentity
}

func (o *roleOutbox) Send(to *identity.Identity, secretID interfaces.SecretID, body messages.Body, onResult func(error)) {
	o.engine.send(o.self, to, secretID, body, onResult)
}

func (o *roleOutbox) After(d time.Duration, fn func()) {
	o.engine.after(d, fn)
}

// send seals body in the caller's command and hands the blocking transport
// call to a goroutine. onResult is re-submitted as a command.
func (e *Engine) send(self *identity.LibIdentity, to *identity.Identity, secretID interfaces.SecretID, body messages.Body, onResult func(error)) {
	kind := body.Kind().String()
	env := &messages.Envelope{
		ProtocolMajor: common.ProtocolVersionMajor,
		ProtocolMinor: common.ProtocolVersionMinor,
		Timestamp:     e.now(),
		Sender:        self.EncryptionKeyDigest,
		Receiver:      to.EncryptionKeyDigest,
		SecretID:      secretID,
		Body:          body,
	}
	frame, err := messages.Seal(e.cp, env, self.PrivateSignatureKey, to.PublicEncryptionKey, to.PublicEncryptionKeyID)
	if err != nil {
		e.log.Error("failed to seal message", "kind", kind, "peer", to.String(), "err", err)
		e.metrics.MessageSent(kind, "seal_error")
		e.sendResult(onResult, err)
		return
	}

	e.sends.Add(1)
	go func() {
		defer e.sends.Done()
		err := e.deliver(kind, to.Address, frame)
		if err != nil {
			e.log.Debug("send failed", "kind", kind, "peer", to.String(), "secretID", secretID.String(), "err", err)
		}
		e.sendResult(onResult, err)
	}()
}

func (e *Engine) deliver(kind, address string, frame []byte) error {
	if address == "" {
		e.metrics.MessageSent(kind, "no_address")
		return errors.New("peer has no address")
	}
	select {
	case e.sendSlots <- struct{}{}:
	case <-e.stop:
		return interfaces.ErrExecutorStopped
	}
	defer func() { <-e.sendSlots }()

	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.SendTimeout)
	defer cancel()

	code, err := e.transport.Send(ctx, address, frame)
	if err != nil {
		e.metrics.MessageSent(kind, "error")
		return err
	}
	e.metrics.MessageSent(kind, strconv.Itoa(code))
	if code != http.StatusOK {
		return fmt.Errorf("%s answered with status %d", address, code)
	}
	return nil
}

func (e *Engine) sendResult(onResult func(error), err error) {
	if onResult == nil {
		return
	}
	executor.Do(e.exec, executor.KindSendResult, func() error {
		onResult(err)
		return nil
	})
}

func (e *Engine) after(d time.Duration, fn func()) {
	e.timersMu.Lock()
	defer e.timersMu.Unlock()

	var t *time.Timer
	t = time.AfterFunc(d, func() {
		e.timersMu.Lock()
		delete(e.timers, t)
		e.timersMu.Unlock()
		executor.Do(e.exec, executor.KindTimer, func() error {
			fn()
			return nil
		})
	})
	e.timers[t] = struct{}{}
}
