package vacvision

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/luksan/leybold-opc/cache"
	"github.com/luksan/leybold-opc/sdb"
)

// Client is a session with one Vacvision controller. It performs the
// handshake on connect, manages the schema, and exposes batched typed
// reads and single writes. All methods are safe for concurrent use; the
// engine serializes the actual wire traffic.
type Client struct {
	eng *engine
	fp  cache.Fingerprint

	mu     sync.Mutex
	schema *sdb.Schema
}

// options holds configuration options for Connect.
type options struct {
	timeout     time.Duration
	maxTimeouts int
}

// Option is a functional option for Connect.
type Option func(*options)

// WithTimeout sets the per-request response timeout.
func WithTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

// WithMaxTimeouts sets how many consecutive request timeouts are tolerated
// before the connection is considered dead and faults.
func WithMaxTimeouts(n int) Option {
	return func(o *options) { o.maxTimeouts = n }
}

// Connect dials the controller and runs the handshake: the firmware ident
// query plus the SDB size query, which together form the fingerprint used
// to key the schema cache. Port 1202 is assumed when address carries none.
func Connect(address string, opts ...Option) (*Client, error) {
	cfg := &options{
		timeout:     2 * time.Second,
		maxTimeouts: 3,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	tr, err := dialTransport(address, cfg.timeout)
	if err != nil {
		return nil, &ConnectionError{Op: "connect", Err: err}
	}
	eng := newEngine(tr, cfg.maxTimeouts)

	ctx := context.Background()
	payload, err := eng.submit(ctx, "ident", identRequest(), false)
	if err != nil {
		eng.close()
		return nil, fmt.Errorf("handshake: %w", err)
	}
	ident, err := parseIdentResponse(payload)
	if err != nil {
		eng.close()
		return nil, fmt.Errorf("handshake: %w", err)
	}
	size, err := eng.fetchSdbSize(ctx)
	if err != nil {
		eng.close()
		return nil, fmt.Errorf("handshake: %w", err)
	}
	eng.setState(StateReady, nil)

	return &Client{
		eng: eng,
		fp:  cache.Fingerprint{Ident: ident, SdbSize: size},
	}, nil
}

// Close releases the socket. Pending requests fail with ErrClosed.
func (c *Client) Close() {
	if c == nil || c.eng == nil {
		return
	}
	c.eng.close()
}

// State returns the session state.
func (c *Client) State() ConnState {
	return c.eng.State()
}

// Fingerprint identifies the connected controller's firmware and SDB
// revision, as observed during the handshake.
func (c *Client) Fingerprint() cache.Fingerprint {
	return c.fp
}

// DownloadSchema fetches the SDB blob from the controller, decodes it and
// installs it as the session schema. The raw blob is returned so it can be
// cached.
func (c *Client) DownloadSchema(ctx context.Context) (*sdb.Schema, []byte, error) {
	blob, err := c.eng.downloadSdb(ctx)
	if err != nil {
		return nil, nil, err
	}
	schema, err := sdb.Decode(blob)
	if err != nil {
		return nil, nil, fmt.Errorf("downloaded SDB: %w", err)
	}
	c.mu.Lock()
	c.schema = schema
	c.mu.Unlock()
	return schema, blob, nil
}

// EnsureSchema installs a schema for the session, from the cache when the
// store holds an entry for this controller's fingerprint, otherwise by
// downloading and then caching the blob. A corrupt cache entry is logged
// and treated like a miss; a failure to write the cache does not fail the
// session.
func (c *Client) EnsureSchema(ctx context.Context, store *cache.Store) (*sdb.Schema, error) {
	schema, _, err := store.Load(c.fp)
	if err == nil {
		c.mu.Lock()
		c.schema = schema
		c.mu.Unlock()
		return schema, nil
	}
	if !errors.Is(err, cache.ErrNotFound) {
		log.Printf("vacvision: schema cache unusable, downloading: %v", err)
	}

	schema, blob, err := c.DownloadSchema(ctx)
	if err != nil {
		return nil, err
	}
	if err := store.Store(c.fp, blob); err != nil {
		log.Printf("vacvision: failed to cache schema: %v", err)
	}
	return schema, nil
}

// Schema returns the installed schema, or nil before EnsureSchema or
// DownloadSchema has run.
func (c *Client) Schema() *sdb.Schema {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.schema
}

// Resolve looks a parameter up by name in the installed schema. It never
// touches the wire; an unknown name fails locally.
func (c *Client) Resolve(name string) (*sdb.ParameterDefinition, error) {
	schema := c.Schema()
	if schema == nil {
		return nil, errors.New("no schema installed, call EnsureSchema first")
	}
	return schema.Resolve(name)
}

// ParamValue is the outcome for one parameter of a batched read. When the
// controller rejected the item, Err is set and the remaining fields beyond
// Name and Def are zero; the rest of the batch is still delivered.
type ParamValue struct {
	Name       string
	Def        *sdb.ParameterDefinition
	Value      sdb.Value
	Raw        []byte
	Timestamp  time.Time     // local receive time
	Controller time.Duration // controller uptime stamp from the response
	Err        error
}

// Read performs one batched read of the named parameters, preserving
// order. Unknown names fail the whole call before any I/O. Per-item
// controller rejections and value decode problems are reported in the
// item's Err field, not as a call error.
func (c *Client) Read(ctx context.Context, names ...string) ([]*ParamValue, error) {
	if len(names) == 0 {
		return nil, nil
	}
	schema := c.Schema()
	if schema == nil {
		return nil, errors.New("no schema installed, call EnsureSchema first")
	}

	defs := make([]*sdb.ParameterDefinition, len(names))
	items := make([]readItem, len(names))
	for i, name := range names {
		def, err := schema.Resolve(name)
		if err != nil {
			return nil, err
		}
		defs[i] = def
		items[i] = readItem{ID: def.ID, RespLen: uint32(schema.ResponseLen(def))}
	}

	payload, err := c.eng.submit(ctx, "param read", paramReadRequest(items), true)
	if err != nil {
		return nil, err
	}
	resp, err := parseReadResponse(payload, items)
	if err != nil {
		return nil, err
	}
	if resp.ErrCode != 0 {
		return nil, &ProtocolError{
			Op:  "param read",
			Msg: fmt.Sprintf("controller error code 0x%04X", resp.ErrCode),
		}
	}

	now := time.Now()
	uptime := time.Duration(resp.Millis) * time.Millisecond
	out := make([]*ParamValue, len(names))
	for i, res := range resp.Items {
		pv := &ParamValue{
			Name:       names[i],
			Def:        defs[i],
			Timestamp:  now,
			Controller: uptime,
		}
		switch {
		case res.Rejected:
			pv.Err = fmt.Errorf("parameter %q rejected by controller", names[i])
		default:
			pv.Raw = res.Raw
			pv.Value, pv.Err = schema.DecodeValue(defs[i], res.Raw)
		}
		out[i] = pv
	}
	return out, nil
}

// Write sets one parameter to the given value. The schema's access mode is
// enforced locally before any I/O.
func (c *Client) Write(ctx context.Context, name string, v sdb.Value) error {
	schema := c.Schema()
	if schema == nil {
		return errors.New("no schema installed, call EnsureSchema first")
	}
	def, err := schema.Resolve(name)
	if err != nil {
		return err
	}
	if !def.Access.CanWrite() {
		return fmt.Errorf("writing %q: %w", name, ErrNotWritable)
	}
	data, err := schema.EncodeValue(def, v)
	if err != nil {
		return err
	}

	payload, err := c.eng.submit(ctx, "param write", paramWriteRequest([]writeItem{{ID: def.ID, Data: data}}), false)
	if err != nil {
		return err
	}
	return parseWriteResponse(payload)
}

// WriteString parses a human-entered string for the parameter's type and
// writes it. Scaled parameters take the value in engineering units.
func (c *Client) WriteString(ctx context.Context, name, value string) error {
	schema := c.Schema()
	if schema == nil {
		return errors.New("no schema installed, call EnsureSchema first")
	}
	def, err := schema.Resolve(name)
	if err != nil {
		return err
	}
	td := schema.TypeAt(def.TypeIndex)
	if td == nil {
		return fmt.Errorf("parameter %q references missing type %d", name, def.TypeIndex)
	}
	kind := td.Kind
	if def.Scale != 1 && def.Scale != 0 {
		kind = sdb.KindReal
	}
	v, err := sdb.ValueFromString(value, kind)
	if err != nil {
		return err
	}
	return c.Write(ctx, name, v)
}
