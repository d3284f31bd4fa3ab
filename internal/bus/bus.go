// Package bus defines the message bus domain: queue rows, bus credentials,
// reliability levels and the per-tenant handler configuration consumed by the
// delivery engine.
package bus

import (
	"encoding/json"
	"fmt"
	"regexp"
	"time"
)

// CredentialKind is the credential record kind that identifies message buses.
const CredentialKind = "Message Bus"

// Direction tells the delivery worker whether a row leaves the tenant or has
// already been routed to it.
type Direction int8

const (
	DirectionSend Direction = iota + 1
	DirectionReceive
)

func (d Direction) String() string {
	switch d {
	case DirectionSend:
		return "send"
	case DirectionReceive:
		return "receive"
	default:
		return fmt.Sprintf("direction(%d)", int8(d))
	}
}

// IsSend reports whether the row is outbound. It maps onto the is_send column.
func (d Direction) IsSend() bool {
	return d == DirectionSend
}

// DirectionFromIsSend converts the persisted is_send flag back to a Direction.
func DirectionFromIsSend(isSend bool) Direction {
	if isSend {
		return DirectionSend
	}
	return DirectionReceive
}

// Reliability is the client supplied 0-255 durability hint.
type Reliability uint8

const (
	// ReliabilityMinimumEffort asks for the cheapest commit path.
	ReliabilityMinimumEffort Reliability = 0
	// ReliabilityBest asks for a durable commit.
	ReliabilityBest Reliability = 255

	durableThreshold Reliability = 128
)

// Durable reports whether writes for this reliability must wait for the
// storage engine's durable commit. Values below 128 use relaxed commit.
func (r Reliability) Durable() bool {
	return r >= durableThreshold
}

// InstanceKind identifies the transport behind a bus credential.
type InstanceKind string

const (
	KindLoopback         InstanceKind = "Loopback"
	KindInterApplication InstanceKind = "Inter-application"
	KindCloudQueue       InstanceKind = "Cloud-Queue"
	KindCloudTopic       InstanceKind = "Cloud-Topic"
	KindCloudStream      InstanceKind = "Cloud-Stream"
	KindKafka            InstanceKind = "Kafka"
	KindNATS             InstanceKind = "NATS"
)

// KnownKinds lists every instance kind this build understands.
func KnownKinds() []InstanceKind {
	return []InstanceKind{
		KindLoopback,
		KindInterApplication,
		KindCloudQueue,
		KindCloudTopic,
		KindCloudStream,
		KindKafka,
		KindNATS,
	}
}

// Known reports whether k is one of KnownKinds. Unknown kinds are still
// representable so newer credentials can be read by older engines.
func (k InstanceKind) Known() bool {
	for _, known := range KnownKinds() {
		if k == known {
			return true
		}
	}
	return false
}

// Credential is a tenant's message bus credential record. It is read-only to
// the engine.
type Credential struct {
	ID           int64             `json:"id"`
	TenantID     string            `json:"tenant_id"`
	Kind         string            `json:"kind"`
	InstanceKind InstanceKind      `json:"instance_kind"`
	Name         string            `json:"name"`
	Account      map[string]string `json:"account"`
	Secret       map[string]string `json:"-"`
}

// AccountValue returns an account field or "".
func (c Credential) AccountValue(key string) string {
	if c.Account == nil {
		return ""
	}
	return c.Account[key]
}

// SecretValue returns a secret field or "".
func (c Credential) SecretValue(key string) string {
	if c.Secret == nil {
		return ""
	}
	return c.Secret[key]
}

// SharedSecret is the inter-application pairing secret.
func (c Credential) SharedSecret() string {
	return c.SecretValue("secret")
}

// QueueRow is one undelivered message in a tenant's queue.
type QueueRow struct {
	ID               int64
	CreatedAt        time.Time
	TenantID         string
	BusID            int64
	Direction        Direction
	Reliability      Reliability
	Body             []byte
	TransportOptions map[string]string
}

// Message is a send request coming from tenant code.
type Message struct {
	Kind        InstanceKind      `json:"kind"`
	BusID       int64             `json:"bus_id"`
	BusName     string            `json:"bus_name"`
	Secret      string            `json:"secret,omitempty"`
	Reliability Reliability       `json:"reliability"`
	Body        []byte            `json:"body"`
	Options     map[string]string `json:"options,omitempty"`
}

// Status is the outcome carried by a delivery report.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
)

// Report is what an adapter hands back after a delivery attempt. A zero
// Report means the adapter has nothing to report.
type Report struct {
	Status Status
	Info   json.RawMessage
}

// HasStatus reports whether the adapter produced a status.
func (r Report) HasStatus() bool {
	return r.Status != ""
}

// Success builds a success report whose info is info marshalled to JSON.
func Success(info any) Report {
	return Report{Status: StatusSuccess, Info: mustInfo(info)}
}

// Failure builds a failure report carrying err's message.
func Failure(err error) Report {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	return Report{Status: StatusFailure, Info: mustInfo(map[string]string{"error": msg})}
}

func mustInfo(v any) json.RawMessage {
	if v == nil {
		return json.RawMessage("null")
	}
	data, err := json.Marshal(v)
	if err != nil {
		data, _ = json.Marshal(map[string]string{"error": err.Error()})
	}
	return data
}

var tenantIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,48}$`)

// ValidateTenantID checks that a tenant id is safe to use as a partition
// suffix and a key component.
func ValidateTenantID(tenantID string) error {
	if !tenantIDPattern.MatchString(tenantID) {
		return fmt.Errorf("%w: %q", ErrInvalidTenant, tenantID)
	}
	return nil
}
