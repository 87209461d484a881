// Package whatsapp owns the whatsmeow client: it connects, relays pairing
// codes, classifies disconnects and reconnects, and is the only way the rest
// of the bot sends anything.
package whatsapp

import (
	"context"
	"errors"
	"fmt"

	"go.mau.fi/whatsmeow"
	waProto "go.mau.fi/whatsmeow/binary/proto"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"
)

// Client is the part of *whatsmeow.Client the supervisor drives.
type Client interface {
	Connect() error
	Disconnect()
	Logout(ctx context.Context) error
	IsConnected() bool
	HasSession() bool
	OwnJID() types.JID
	GetQRChannel(ctx context.Context) (<-chan whatsmeow.QRChannelItem, error)
	AddEventHandler(handler whatsmeow.EventHandler) uint32
	SendMessage(ctx context.Context, to types.JID, message *waProto.Message, extra ...whatsmeow.SendRequestExtra) (whatsmeow.SendResponse, error)
	Upload(ctx context.Context, plaintext []byte, appInfo whatsmeow.MediaType) (whatsmeow.UploadResponse, error)
	IsOnWhatsApp(phones []string) ([]types.IsOnWhatsAppResponse, error)
	PairPhone(ctx context.Context, phone string, showPushNotification bool, clientType whatsmeow.PairClientType, clientDisplayName string) (string, error)
}

// ClientFactory builds a fresh client. It is called on start and again after
// the account was logged out.
type ClientFactory func(ctx context.Context) (Client, error)

type deviceClient struct {
	*whatsmeow.Client
}

func (c deviceClient) HasSession() bool {
	return c.Store.ID != nil
}

func (c deviceClient) OwnJID() types.JID {
	if c.Store.ID == nil {
		return types.EmptyJID
	}
	return c.Store.ID.ToNonAD()
}

// Logout unlinks the device. When the server refuses (the session is usually
// already dead by then) the local credentials are wiped anyway so the next
// start asks for a new QR scan.
func (c deviceClient) Logout(ctx context.Context) error {
	err := c.Client.Logout(ctx)
	if err == nil || c.Store.ID == nil {
		return err
	}
	c.Client.Disconnect()
	if delErr := c.Store.Delete(ctx); delErr != nil {
		return errors.Join(err, delErr)
	}
	return nil
}

// DeviceOptions configure NewDeviceFactory.
type DeviceOptions struct {
	Dialect         string
	Address         string
	RequestFullSync bool
	Log             waLog.Logger
	DBLog           waLog.Logger
	// PrePair, when set, can veto a pairing before credentials are stored.
	PrePair func(jid types.JID, platform, businessName string) bool
}

// NewDeviceFactory opens the whatsmeow device store and returns a factory
// that creates clients for its first device.
func NewDeviceFactory(ctx context.Context, opts DeviceOptions) (ClientFactory, error) {
	if opts.Log == nil {
		opts.Log = waLog.Noop
	}
	if opts.DBLog == nil {
		opts.DBLog = waLog.Noop
	}
	if opts.RequestFullSync {
		store.DeviceProps.RequireFullSync = proto.Bool(true)
		store.DeviceProps.HistorySyncConfig = &waProto.DeviceProps_HistorySyncConfig{
			FullSyncDaysLimit:   proto.Uint32(3650),
			FullSyncSizeMbLimit: proto.Uint32(102400),
			StorageQuotaMb:      proto.Uint32(102400),
		}
	}
	container, err := sqlstore.New(ctx, opts.Dialect, opts.Address, opts.DBLog)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to device store: %w", err)
	}
	return func(ctx context.Context) (Client, error) {
		device, err := container.GetFirstDevice(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to get device: %w", err)
		}
		cli := whatsmeow.NewClient(device, opts.Log)
		// reconnects are driven by the supervisor
		cli.EnableAutoReconnect = false
		cli.PrePairCallback = opts.PrePair
		return deviceClient{cli}, nil
	}, nil
}
