package subscription

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/nexus-edge/opc-publisher/internal/domain"
	"github.com/nexus-edge/opc-publisher/internal/opcuaclient"
)

// sessionHandle is the narrow view of *opcuaclient.Session the reconcile
// loop needs to drive a Session through connect/disconnect and grow
// Subscriptions from it. Defined as an interface, rather than depending on
// *opcuaclient.Session directly, so ensureSession/addMonitoredItems/
// disconnectEndpointLocked can be exercised against a fake OPC UA server in
// tests instead of requiring a live one.
type sessionHandle interface {
	Connect(ctx context.Context, factory opcuaclient.Factory, useSecurity bool, authMode domain.AuthMode, username, password string) error
	Close(ctx context.Context) error
	Connected() bool
	NamespaceTable() *opcuaclient.NamespaceTable
	CreateSubscription(ctx context.Context, publishingInterval time.Duration, lifetimeCount, maxKeepAliveCount uint32, notifyBufferLen int) (subscriptionHandle, error)
}

// subscriptionHandle is the narrow view of *opcuaclient.Subscription the
// reconcile loop needs. *opcuaclient.Subscription satisfies this directly;
// no adapter is needed for it.
type subscriptionHandle interface {
	ID() uint32
	RevisedInterval() time.Duration
	Notifications() <-chan opcuaclient.Notification
	Cancel(ctx context.Context) error
	AddMonitoredItems(ctx context.Context, specs []opcuaclient.MonitoredItemSpec) ([]opcuaclient.MonitoredItemResult, error)
	RemoveMonitoredItems(ctx context.Context, serverHandles []uint32) error
}

// sessionAdapter wraps *opcuaclient.Session so its CreateSubscription
// result satisfies sessionHandle's interface-typed return; every other
// method is promoted unchanged through embedding.
type sessionAdapter struct {
	*opcuaclient.Session
}

// newSessionHandle is the production sessionHandle constructor, swapped
// out for a fake in tests via Manager.newSession.
func newSessionHandle(url string, logger zerolog.Logger) sessionHandle {
	return sessionAdapter{opcuaclient.NewSession(url, logger)}
}

func (a sessionAdapter) CreateSubscription(ctx context.Context, publishingInterval time.Duration, lifetimeCount, maxKeepAliveCount uint32, notifyBufferLen int) (subscriptionHandle, error) {
	return a.Session.CreateSubscription(ctx, publishingInterval, lifetimeCount, maxKeepAliveCount, notifyBufferLen)
}
