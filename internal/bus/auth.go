package bus

import (
	"time"

	"github.com/devit-sh/devitd/internal/apierrors"
)

// Authenticator rejects frames that fail HMAC verification, fall outside the
// clock-skew window, or replay a previously seen (nonce, msg_id) pair.
type Authenticator struct {
	key    []byte
	skew   time.Duration
	replay *ReplayGuard
	now    func() time.Time
}

// NewAuthenticator builds an Authenticator bound to key. skew and replay
// default to DefaultSkew/DefaultReplayWindow when zero.
func NewAuthenticator(key []byte, skew time.Duration, replay *ReplayGuard) *Authenticator {
	if skew <= 0 {
		skew = DefaultSkew
	}
	if replay == nil {
		replay = NewReplayGuard(DefaultReplayWindow, skew*2)
	}
	return &Authenticator{key: key, skew: skew, replay: replay, now: time.Now}
}

// Authenticate validates f per §4.C7: hmac, clock skew, then replay. The
// first failing check determines the rejection reason.
func (a *Authenticator) Authenticate(f Frame) error {
	if !VerifyMAC(a.key, f) {
		return apierrors.New(apierrors.CodeUnauthorized, "frame failed hmac verification")
	}
	ts := time.Unix(f.TS, 0)
	if diff := a.now().Sub(ts); diff > a.skew || diff < -a.skew {
		return apierrors.New(apierrors.CodeUnauthorized, "frame ts outside skew window")
	}
	if !a.replay.Check(f.Nonce, f.MsgID) {
		return apierrors.New(apierrors.CodeUnauthorized, "frame replayed")
	}
	return nil
}
