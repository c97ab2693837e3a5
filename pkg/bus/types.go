package bus

import (
	"fmt"

	"github.com/whatisup223/outreachbridge/pkg/domain/dispatch"
)

// Kind tags every envelope with its logical channel. The set is closed:
// an envelope whose kind and payload type disagree is rejected at the
// boundary before any handler runs.
type Kind string

const (
	// Presence protocol (page <-> bridge)
	KindPing Kind = "PING"
	KindPong Kind = "PONG"

	// Install check (page/bridge -> broker)
	KindVerifyInstall Kind = "VERIFY_INSTALL"
	KindInstallInfo   Kind = "INSTALL_INFO"

	// Dispatch (bridge -> broker) and its acknowledgment
	KindDeploy         Kind = "DEPLOY"
	KindDeployResponse Kind = "DEPLOY_RESPONSE"

	// Delivery (broker -> target agent), one-shot
	KindPasteReply Kind = "PASTE_REPLY"

	// Delivery timeout signal (broker -> target agent)
	KindDeliveryFailed Kind = "DELIVERY_FAILED"

	// Confirmation (agent -> broker), fire-and-forget
	KindOutreachConfirm Kind = "OUTREACH_CONFIRM"

	// Stats fetch (bridge/page -> broker) and its result
	KindFetchStats  Kind = "FETCH_STATS"
	KindStatsResult Kind = "STATS_RESULT"

	// Asset fetch (agent -> broker): privileged download on the agent's behalf
	KindDownloadImage Kind = "DOWNLOAD_IMAGE"
	KindImageSaved    Kind = "IMAGE_SAVED"
)

// Dispatch acknowledgment statuses.
const (
	StatusDeploying = "DEPLOYING"
	StatusRejected  = "REJECTED"
	StatusFailed    = "FAILED"
)

// ---------------------------------------------------------------------------
// Payloads — one struct per kind
// ---------------------------------------------------------------------------

// PingPayload is a presence query from the hosting page.
type PingPayload struct {
	UserID string `json:"user_id"`
}

// PongPayload is the presence answer. Also emitted unsolicited on bridge load.
type PongPayload struct{}

// VerifyInstallPayload asks the broker whether the bridge stack is installed.
type VerifyInstallPayload struct{}

// InstallInfoPayload answers an install check.
type InstallInfoPayload struct {
	Installed bool   `json:"installed"`
	Version   string `json:"version"`
}

// DeployPayload carries a delivery request from bridge to broker.
type DeployPayload struct {
	Request dispatch.DeliveryRequest `json:"request"`
}

// DeployResponsePayload acknowledges a dispatch. DEPLOYING confirms the
// payload was handed to the target context, not that the human acted.
type DeployResponsePayload struct {
	ItemID string `json:"item_id"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// PasteReplyPayload is the one-shot delivery into the target context.
type PasteReplyPayload struct {
	Request dispatch.DeliveryRequest `json:"request"`
}

// DeliveryFailedPayload tells the target agent a dispatch timed out.
type DeliveryFailedPayload struct {
	ItemID string `json:"item_id"`
	Reason string `json:"reason"`
}

// OutreachConfirmPayload relays the human's confirmation to the broker.
type OutreachConfirmPayload struct {
	Confirmation dispatch.ConfirmationEvent `json:"confirmation"`
}

// FetchStatsPayload asks the broker to read the platform's public API.
type FetchStatsPayload struct {
	URL      string `json:"url"`
	ItemID   string `json:"item_id"`
	ItemType string `json:"item_type"`
}

// StatsResultPayload returns a normalized engagement sample.
type StatsResultPayload struct {
	ItemID string               `json:"item_id"`
	Sample dispatch.StatsSample `json:"sample"`
	Error  string               `json:"error,omitempty"`
}

// DownloadImagePayload asks the broker to fetch an asset the agent's
// context cannot reach itself.
type DownloadImagePayload struct {
	URL string `json:"url"`
}

// ImageSavedPayload reports where the broker stored the fetched asset.
type ImageSavedPayload struct {
	Path  string `json:"path"`
	Error string `json:"error,omitempty"`
}

// ---------------------------------------------------------------------------
// Envelope
// ---------------------------------------------------------------------------

// Envelope is the unit of cross-context communication. From and To are
// context addresses; delivery is queued, unordered across contexts, and
// carries no receipt guarantee.
type Envelope struct {
	Kind    Kind        `json:"kind"`
	From    string      `json:"from"`
	To      string      `json:"to"`
	Payload interface{} `json:"payload,omitempty"`
}

// Validate rejects envelopes whose kind and payload type disagree.
func (e Envelope) Validate() error {
	ok := false
	switch e.Kind {
	case KindPing:
		_, ok = e.Payload.(PingPayload)
	case KindPong:
		_, ok = e.Payload.(PongPayload)
	case KindVerifyInstall:
		_, ok = e.Payload.(VerifyInstallPayload)
	case KindInstallInfo:
		_, ok = e.Payload.(InstallInfoPayload)
	case KindDeploy:
		_, ok = e.Payload.(DeployPayload)
	case KindDeployResponse:
		_, ok = e.Payload.(DeployResponsePayload)
	case KindPasteReply:
		_, ok = e.Payload.(PasteReplyPayload)
	case KindDeliveryFailed:
		_, ok = e.Payload.(DeliveryFailedPayload)
	case KindOutreachConfirm:
		_, ok = e.Payload.(OutreachConfirmPayload)
	case KindFetchStats:
		_, ok = e.Payload.(FetchStatsPayload)
	case KindStatsResult:
		_, ok = e.Payload.(StatsResultPayload)
	case KindDownloadImage:
		_, ok = e.Payload.(DownloadImagePayload)
	case KindImageSaved:
		_, ok = e.Payload.(ImageSavedPayload)
	default:
		return fmt.Errorf("%w: %s", ErrUnknownKind, e.Kind)
	}
	if !ok {
		return fmt.Errorf("%w: kind %s got %T", ErrPayloadMismatch, e.Kind, e.Payload)
	}
	return nil
}
