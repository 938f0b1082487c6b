package transport

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// DefaultRegistrarBucket is the KV bucket holding registrations.
const DefaultRegistrarBucket = "dpe_registrar"

// KVRegistrar stores registrations in a JetStream key/value bucket. Canonical names
// contain ':' which KV keys do not allow, so keys are base64url encoded names.
type KVRegistrar struct {
	kv jetstream.KeyValue
}

// NewKVRegistrar opens the bucket, creating it when create is set. Only the front-end
// node should create the bucket.
func NewKVRegistrar(ctx context.Context, conn *nats.Conn, bucket string, create bool) (*KVRegistrar, error) {
	if bucket == "" {
		bucket = DefaultRegistrarBucket
	}
	js, err := jetstream.New(conn)
	if err != nil {
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}
	var kv jetstream.KeyValue
	if create {
		kv, err = js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
			Bucket:      bucket,
			Description: "DPE registration database",
		})
	} else {
		kv, err = js.KeyValue(ctx, bucket)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open registrar bucket %s: %w", bucket, err)
	}
	return &KVRegistrar{kv: kv}, nil
}

func kvKey(name string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(name))
}

func kvName(key string) (string, error) {
	b, err := base64.RawURLEncoding.DecodeString(key)
	return string(b), err
}

func (r *KVRegistrar) Register(ctx context.Context, reg Registration) error {
	b, err := json.Marshal(reg)
	if err != nil {
		return err
	}
	_, err = r.kv.Put(ctx, kvKey(reg.Name), b)
	return err
}

func (r *KVRegistrar) Deregister(ctx context.Context, name string) error {
	err := r.kv.Delete(ctx, kvKey(name))
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil
	}
	return err
}

func (r *KVRegistrar) Discover(ctx context.Context, prefix string) ([]Registration, error) {
	lister, err := r.kv.ListKeys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, err
	}
	defer lister.Stop()

	var out []Registration
	for key := range lister.Keys() {
		name, err := kvName(key)
		if err != nil || !strings.HasPrefix(name, prefix) {
			continue
		}
		entry, err := r.kv.Get(ctx, key)
		if err != nil {
			if errors.Is(err, jetstream.ErrKeyNotFound) {
				continue
			}
			return nil, err
		}
		var reg Registration
		if err := json.Unmarshal(entry.Value(), &reg); err != nil {
			continue
		}
		out = append(out, reg)
	}
	sortRegistrations(out)
	return out, nil
}

// Close is a no-op; the connection belongs to the transport.
func (r *KVRegistrar) Close() error { return nil }
