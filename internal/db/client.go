package db

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/event"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/description"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.uber.org/zap"
)

const (
	defaultServerSelectionTimeout = 5 * time.Second
	defaultSocketTimeout          = 45 * time.Second
	defaultDatabaseName           = "rentwatch"
)

var (
	ErrNotConnected = errors.New("database not connected")
	ErrNotFound     = errors.New("document not found")
)

// State is the connection state as seen by the lifecycle manager.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

type Options struct {
	// Database overrides the database named in the connection string.
	Database               string
	ServerSelectionTimeout time.Duration
	SocketTimeout          time.Duration
	// OnStateChange is called after every state transition.
	OnStateChange func(State)
}

// Database owns the MongoDB client and its connection state. Init, Disconnect
// and Reconnect are serialized; handlers only go through Collection.
type Database struct {
	uri    string
	name   string
	opts   Options
	logger *zap.Logger

	mu          sync.Mutex
	state       atomic.Int32
	driverReady atomic.Bool
	client      atomic.Pointer[mongo.Client]
}

func New(uri string, opts Options, logger *zap.Logger) *Database {
	if opts.ServerSelectionTimeout <= 0 {
		opts.ServerSelectionTimeout = defaultServerSelectionTimeout
	}
	if opts.SocketTimeout <= 0 {
		opts.SocketTimeout = defaultSocketTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	name := opts.Database
	if name == "" {
		name = databaseFromURI(uri)
	}
	if name == "" {
		name = defaultDatabaseName
	}

	return &Database{
		uri:    uri,
		name:   name,
		opts:   opts,
		logger: logger.Named("database"),
	}
}

func (d *Database) State() State {
	return State(d.state.Load())
}

func (d *Database) Name() string {
	return d.name
}

// Init connects and pings the primary. It is a no-op when already connected.
func (d *Database) Init(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.State() == Connected {
		d.logger.Warn("already connected")
		return nil
	}

	// A driver-reported disconnect leaves the old client behind.
	if stale := d.client.Swap(nil); stale != nil {
		_ = stale.Disconnect(ctx)
	}

	d.setState(Connecting)

	monitor := &event.ServerMonitor{
		TopologyDescriptionChanged: func(e *event.TopologyDescriptionChangedEvent) {
			d.onTopologyChange(e.NewDescription)
		},
	}

	clientOpts := options.Client().
		ApplyURI(d.uri).
		SetServerSelectionTimeout(d.opts.ServerSelectionTimeout).
		SetSocketTimeout(d.opts.SocketTimeout).
		SetServerMonitor(monitor)

	client, err := mongo.Connect(ctx, clientOpts)
	if err != nil {
		d.setState(Disconnected)
		d.logger.Error("connection error", zap.Error(err))
		return fmt.Errorf("connect mongo: %w", err)
	}

	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		d.setState(Disconnected)
		d.logger.Error("connection error", zap.Error(err))
		return fmt.Errorf("ping mongo: %w", err)
	}

	d.client.Store(client)
	d.driverReady.Store(true)
	d.setState(Connected)
	d.logger.Info("connected successfully", zap.String("database", d.name))
	return nil
}

// Disconnect closes the client. It is a no-op when no client is held. A
// client is still closed after the driver lost the primary.
func (d *Database) Disconnect(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	client := d.client.Load()
	if client == nil {
		d.logger.Warn("no active connection")
		return nil
	}

	if err := client.Disconnect(ctx); err != nil {
		d.logger.Error("error disconnecting", zap.Error(err))
		return fmt.Errorf("disconnect mongo: %w", err)
	}

	d.client.Store(nil)
	d.driverReady.Store(false)
	d.setState(Disconnected)
	d.logger.Info("successfully disconnected")
	return nil
}

// Reconnect is Disconnect followed by Init. The two steps are not atomic.
func (d *Database) Reconnect(ctx context.Context) error {
	if err := d.Disconnect(ctx); err != nil {
		return err
	}
	return d.Init(ctx)
}

// IsConnected requires both our own flag and the driver's topology to report
// a selectable primary.
func (d *Database) IsConnected() bool {
	return d.State() == Connected && d.driverReady.Load()
}

func (d *Database) Client() (*mongo.Client, error) {
	client := d.client.Load()
	if client == nil {
		return nil, ErrNotConnected
	}
	return client, nil
}

func (d *Database) Collection(name string) (*mongo.Collection, error) {
	client, err := d.Client()
	if err != nil {
		return nil, err
	}
	return client.Database(d.name).Collection(name), nil
}

// Ping checks the primary using the current client.
func (d *Database) Ping(ctx context.Context) error {
	client, err := d.Client()
	if err != nil {
		return err
	}
	return client.Ping(ctx, readpref.Primary())
}

// EnsureIndexes creates the indexes the repositories rely on.
func (d *Database) EnsureIndexes(ctx context.Context) error {
	users, err := d.Collection(usersCollection)
	if err != nil {
		return err
	}
	if _, err := users.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "line_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	}); err != nil {
		return fmt.Errorf("create users index: %w", err)
	}

	conditions, err := d.Collection(conditionsCollection)
	if err != nil {
		return err
	}
	if _, err := conditions.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "created_at", Value: -1}},
	}); err != nil {
		return fmt.Errorf("create conditions index: %w", err)
	}
	return nil
}

// onTopologyChange follows the deployment as a whole. A single member going
// away does not matter while a primary is still selectable.
func (d *Database) onTopologyChange(topo description.Topology) {
	if !hasPrimary(topo) {
		d.driverReady.Store(false)
		if d.state.CompareAndSwap(int32(Connected), int32(Disconnected)) {
			d.logger.Error("connection error", zap.Error(topologyError(topo)))
			d.notify(Disconnected)
			d.logger.Warn("disconnected")
		}
		return
	}

	d.driverReady.Store(true)
	if d.client.Load() != nil && d.state.CompareAndSwap(int32(Disconnected), int32(Connected)) {
		d.notify(Connected)
		d.logger.Info("connected successfully", zap.String("database", d.name))
	}
}

func hasPrimary(topo description.Topology) bool {
	for _, s := range topo.Servers {
		switch s.Kind {
		case description.Standalone, description.RSPrimary, description.Mongos, description.LoadBalancer:
			return true
		}
	}
	return false
}

func topologyError(topo description.Topology) error {
	for _, s := range topo.Servers {
		if s.LastError != nil {
			return s.LastError
		}
	}
	return errors.New("no primary available")
}

func (d *Database) setState(s State) {
	d.state.Store(int32(s))
	d.notify(s)
}

func (d *Database) notify(s State) {
	if d.opts.OnStateChange != nil {
		d.opts.OnStateChange(s)
	}
}

// databaseFromURI returns the path component of a mongodb:// or
// mongodb+srv:// connection string. Seed lists may hold several hosts, which
// net/url rejects, so the string is cut by hand.
func databaseFromURI(uri string) string {
	_, rest, ok := strings.Cut(uri, "://")
	if !ok {
		return ""
	}
	_, path, ok := strings.Cut(rest, "/")
	if !ok {
		return ""
	}
	path, _, _ = strings.Cut(path, "?")
	return path
}
