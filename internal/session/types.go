package session

import (
	"encoding/json"
	"fmt"

	"github.com/fjod/go_cart/claim-service/domain"
)

type State int

const (
	StateIdle State = iota
	StatePendingConfirmation
	StateActive
	StateReleasing
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StatePendingConfirmation:
		return "PENDING_CONFIRMATION"
	case StateActive:
		return "ACTIVE"
	case StateReleasing:
		return "RELEASING"
	default:
		return "UNKNOWN"
	}
}

func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *State) UnmarshalJSON(b []byte) error {
	var name string
	if err := json.Unmarshal(b, &name); err != nil {
		return err
	}
	for st := StateIdle; st <= StateReleasing; st++ {
		if st.String() == name {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown session state %q", name)
}

type NoticeKind string

const (
	NoticeCartActivated        NoticeKind = "cart_activated"
	NoticeCartDeactivated      NoticeKind = "cart_deactivated"
	NoticeCartInUse            NoticeKind = "cart_in_use"
	NoticeCartNotFound         NoticeKind = "cart_not_found"
	NoticeNotOwner             NoticeKind = "cart_not_owned"
	NoticeRetry                NoticeKind = "store_unavailable"
	NoticeUnknownCode          NoticeKind = "unknown_code"
	NoticeAlreadyActive        NoticeKind = "already_active"
	NoticeNoActiveCart         NoticeKind = "no_active_cart"
	NoticeNothingToConfirm     NoticeKind = "nothing_to_confirm"
	NoticeCartReleasedRemotely NoticeKind = "cart_released_remotely"
	NoticeBusy                 NoticeKind = "busy"
	NoticeSuperseded           NoticeKind = "superseded"
	NoticePaymentStarted       NoticeKind = "payment_started"
	NoticeShowTransaction      NoticeKind = "show_transaction"
)

var noticeText = map[NoticeKind]string{
	NoticeCartActivated:        "Cart activated!",
	NoticeCartDeactivated:      "Cart deactivated!",
	NoticeCartInUse:            "Cart already in use",
	NoticeCartNotFound:         "Cart not found",
	NoticeNotOwner:             "This cart is no longer yours",
	NoticeRetry:                "Something went wrong, please try again",
	NoticeUnknownCode:          "Unknown code",
	NoticeAlreadyActive:        "You already have an active cart",
	NoticeNoActiveCart:         "You have no active cart",
	NoticeNothingToConfirm:     "Scan a cart first",
	NoticeCartReleasedRemotely: "Your cart was released",
	NoticeBusy:                 "Please wait for the current request to finish",
	NoticeSuperseded:           "Your cart changed on another device",
	NoticePaymentStarted:       "Processing payment",
}

// Notice is a user-facing toast.
type Notice struct {
	Kind    NoticeKind `json:"kind"`
	Message string     `json:"message"`
}

func notice(kind NoticeKind) Notice {
	return Notice{Kind: kind, Message: noticeText[kind]}
}

// Snapshot is the client-local view of "my cart".
type Snapshot struct {
	State  State `json:"state"`
	CartID int64 `json:"cart_id,omitempty"`
}

type Result struct {
	Snapshot Snapshot `json:"session"`
	Notices  []Notice `json:"notices"`
}

// Message is consumed by the Machine one at a time.
type Message interface {
	isMessage()
}

// Scan is a raw scanned payload.
type Scan struct{ Raw string }

// Confirm accepts the pending cart and claims it.
type Confirm struct{}

// Decline drops the pending cart.
type Decline struct{}

// Release gives the active cart back.
type Release struct{}

// Sync carries the backend's current answer to "which cart do I hold";
// Cart is nil when the user holds none. Gen is the machine generation the
// read started under; zero skips the staleness check.
type Sync struct {
	Cart *domain.Cart
	Gen  uint64
}

// Peek returns the snapshot and any queued notices.
type Peek struct{}

type claimDone struct {
	epoch  uint64
	cartID int64
	err    error
}

type releaseDone struct {
	epoch  uint64
	cartID int64
	err    error
}

type orphanDone struct{ cartID int64 }

type notify struct{ notice Notice }

func (Scan) isMessage()        {}
func (Confirm) isMessage()     {}
func (Decline) isMessage()     {}
func (Release) isMessage()     {}
func (Sync) isMessage()        {}
func (Peek) isMessage()        {}
func (claimDone) isMessage()   {}
func (releaseDone) isMessage() {}
func (orphanDone) isMessage()  {}
func (notify) isMessage()      {}
