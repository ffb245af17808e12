package server

import (
	"context"
	"encoding/json"
	"time"

	"github.com/valkey-io/valkey-go"
)

const (
	defaultValkeyRegistryKey = "kvgate:connections"
	defaultValkeyOpTimeout   = 2 * time.Second
)

// ValkeyConfig captures the connection parameters for the session registry.
type ValkeyConfig struct {
	Addr             string
	Username         string
	Password         string
	DB               int
	RegistryKey      string
	OperationTimeout time.Duration
}

// connRecord mirrors one open connection for external visibility. Only
// connection metadata is recorded; key-value data never leaves the process.
type connRecord struct {
	ID          string    `json:"id"`
	Addr        string    `json:"addr"`
	ConnectedAt time.Time `json:"connected_at"`
}

type sessionRegistry interface {
	connOpen(rec connRecord) error
	connClose(id string) error
}

type valkeyAdapter struct {
	client      valkey.Client
	registryKey string
	timeout     time.Duration
}

func newValkeyAdapter(cfg ValkeyConfig) (*valkeyAdapter, error) {
	timeout := cfg.OperationTimeout
	if timeout <= 0 {
		timeout = defaultValkeyOpTimeout
	}

	registryKey := cfg.RegistryKey
	if registryKey == "" {
		registryKey = defaultValkeyRegistryKey
	}

	clientOpt := valkey.ClientOption{
		InitAddress: []string{cfg.Addr},
	}
	if cfg.Username != "" {
		clientOpt.Username = cfg.Username
	}
	if cfg.Password != "" {
		clientOpt.Password = cfg.Password
	}
	if cfg.DB != 0 {
		clientOpt.SelectDB = cfg.DB
	}

	client, err := valkey.NewClient(clientOpt)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, err
	}

	return &valkeyAdapter{
		client:      client,
		registryKey: registryKey,
		timeout:     timeout,
	}, nil
}

func (r *valkeyAdapter) connOpen(rec connRecord) error {
	if rec.ID == "" {
		return nil
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	return r.client.Do(ctx, r.client.B().Hset().Key(r.registryKey).FieldValue().FieldValue(rec.ID, string(payload)).Build()).Error()
}

func (r *valkeyAdapter) connClose(id string) error {
	if id == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	return r.client.Do(ctx, r.client.B().Hdel().Key(r.registryKey).Field(id).Build()).Error()
}

func (r *valkeyAdapter) Close() {
	r.client.Close()
}
