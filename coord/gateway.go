package coord

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"golang.org/x/exp/maps"
)

// GatewayStore is the production DocumentStore: a websocket client against
// the hosted document gateway. The gateway speaks a delta-based change feed;
// this client materializes a full snapshot per watch before delivering, so
// the merge engine only ever sees snapshot-replace semantics.
//
// The link is resilient: on failure every watch gets an explicit error
// signal (the merge engine degrades, it does not clear), the connection is
// redialed, and all watches are replayed. The gateway answers a replayed
// watch with a reset change that rebuilds the watch's materialized view.

type GatewayStoreSettings struct {
	WsHandshakeTimeout time.Duration
	AuthTimeout        time.Duration
	ReconnectTimeout   time.Duration
	PingTimeout        time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration
	RequestTimeout     time.Duration
}

func DefaultGatewayStoreSettings() *GatewayStoreSettings {
	return &GatewayStoreSettings{
		WsHandshakeTimeout: 2 * time.Second,
		AuthTimeout:        2 * time.Second,
		ReconnectTimeout:   5 * time.Second,
		PingTimeout:        5 * time.Second,
		WriteTimeout:       5 * time.Second,
		ReadTimeout:        15 * time.Second,
		RequestTimeout:     15 * time.Second,
	}
}

// one frame type both directions, discriminated by `type`
type gatewayFrame struct {
	Type string `json:"type"`

	// auth
	Jwt        string `json:"jwt,omitempty"`
	InstanceId string `json:"instance_id,omitempty"`
	AppVersion string `json:"app_version,omitempty"`

	// watch, unwatch, change, watch_error
	WatchId  int               `json:"watch_id,omitempty"`
	Query    *gatewayQuery     `json:"query,omitempty"`
	Added    []*gatewayDoc     `json:"added,omitempty"`
	Modified []*gatewayDoc     `json:"modified,omitempty"`
	Removed  []string          `json:"removed,omitempty"`
	Reset    bool              `json:"reset,omitempty"`

	// request, response
	RequestId  int            `json:"request_id,omitempty"`
	Op         string         `json:"op,omitempty"`
	Collection string         `json:"collection,omitempty"`
	Id         string         `json:"id,omitempty"`
	Fields     map[string]any `json:"fields,omitempty"`
	Field      string         `json:"field,omitempty"`
	Values     []string       `json:"values,omitempty"`
	Doc        *gatewayDoc    `json:"doc,omitempty"`

	Error string `json:"error,omitempty"`
}

type gatewayDoc struct {
	Id     string         `json:"id"`
	Fields map[string]any `json:"fields"`
}

type gatewayQuery struct {
	Collection string           `json:"collection"`
	Filters    []*gatewayFilter `json:"filters,omitempty"`
	OrderBy    string           `json:"order_by,omitempty"`
}

type gatewayFilter struct {
	Field string `json:"field"`
	Value any    `json:"value"`
}

func gatewayQueryFromQuery(query *Query) *gatewayQuery {
	filters := []*gatewayFilter{}
	for _, filter := range query.Filters {
		filters = append(filters, &gatewayFilter{
			Field: filter.Field,
			Value: filter.Value,
		})
	}
	return &gatewayQuery{
		Collection: query.Collection,
		Filters:    filters,
		OrderBy:    query.OrderBy,
	}
}

type gatewayWatch struct {
	store   *GatewayStore
	watchId int
	query   *Query

	errorCallback WatchErrorFunction
	queue         *snapshotQueue

	// materialized view of the gateway's delta feed,
	// guarded by the store's `stateLock`
	docs map[string]*Document

	closeOnce sync.Once
}

func (self *gatewayWatch) Close() {
	self.closeOnce.Do(func() {
		self.store.closeWatch(self)
		// no snapshot is delivered after Close returns
		self.queue.close()
	})
}

type GatewayStore struct {
	ctx    context.Context
	cancel context.CancelFunc

	gatewayUrl string
	auth       *ClientAuth

	settings *GatewayStoreSettings

	stateLock sync.Mutex
	closed    bool
	conn      *websocket.Conn
	writeLock sync.Mutex

	nextWatchId     int
	watches         map[int]*gatewayWatch
	nextRequestId   int
	pendingRequests map[int]chan *gatewayFrame
}

func NewGatewayStoreWithDefaults(
	ctx context.Context,
	gatewayUrl string,
	auth *ClientAuth,
) *GatewayStore {
	return NewGatewayStore(ctx, gatewayUrl, auth, DefaultGatewayStoreSettings())
}

func NewGatewayStore(
	ctx context.Context,
	gatewayUrl string,
	auth *ClientAuth,
	settings *GatewayStoreSettings,
) *GatewayStore {
	cancelCtx, cancel := context.WithCancel(ctx)

	store := &GatewayStore{
		ctx:             cancelCtx,
		cancel:          cancel,
		gatewayUrl:      gatewayUrl,
		auth:            auth,
		settings:        settings,
		watches:         map[int]*gatewayWatch{},
		pendingRequests: map[int]chan *gatewayFrame{},
	}
	go store.run()
	return store
}

func (self *GatewayStore) run() {
	defer self.cancel()

	for {
		conn, err := self.connect()
		if err == nil {
			self.readLoop(conn)
		} else {
			glog.Infof("[gateway]connect error = %s\n", err)
		}
		self.disconnect(err)

		select {
		case <-self.ctx.Done():
			return
		case <-time.After(self.settings.ReconnectTimeout):
		}
	}
}

func (self *GatewayStore) connect() (*websocket.Conn, error) {
	dialer := &websocket.Dialer{
		HandshakeTimeout: self.settings.WsHandshakeTimeout,
	}
	conn, _, err := dialer.DialContext(self.ctx, self.gatewayUrl, nil)
	if err != nil {
		return nil, err
	}

	success := false
	defer func() {
		if !success {
			conn.Close()
		}
	}()

	authFrame := &gatewayFrame{
		Type:       "auth",
		Jwt:        self.auth.ByJwt,
		InstanceId: self.auth.InstanceId.String(),
		AppVersion: self.auth.AppVersion,
	}
	conn.SetWriteDeadline(time.Now().Add(self.settings.AuthTimeout))
	if err := conn.WriteJSON(authFrame); err != nil {
		return nil, err
	}

	authResult := &gatewayFrame{}
	conn.SetReadDeadline(time.Now().Add(self.settings.AuthTimeout))
	if err := conn.ReadJSON(authResult); err != nil {
		return nil, err
	}
	if authResult.Type != "auth_result" {
		return nil, fmt.Errorf("unexpected frame %s during auth", authResult.Type)
	}
	if authResult.Error != "" {
		return nil, errors.New(authResult.Error)
	}

	// replay every registered watch. The gateway answers each with a
	// reset change that rebuilds the materialized view.
	var watchFrames []*gatewayFrame
	self.stateLock.Lock()
	if self.closed {
		self.stateLock.Unlock()
		return nil, errors.New("Done")
	}
	self.conn = conn
	for watchId, watch := range self.watches {
		watchFrames = append(watchFrames, &gatewayFrame{
			Type:    "watch",
			WatchId: watchId,
			Query:   gatewayQueryFromQuery(watch.query),
		})
	}
	self.stateLock.Unlock()

	for _, watchFrame := range watchFrames {
		if err := self.writeFrame(conn, watchFrame); err != nil {
			return nil, err
		}
	}

	go self.pingLoop(conn)

	success = true
	return conn, nil
}

func (self *GatewayStore) pingLoop(conn *websocket.Conn) {
	for {
		select {
		case <-self.ctx.Done():
			return
		case <-time.After(self.settings.PingTimeout):
		}
		self.writeLock.Lock()
		conn.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
		err := conn.WriteMessage(websocket.PingMessage, nil)
		self.writeLock.Unlock()
		if err != nil {
			conn.Close()
			return
		}
	}
}

func (self *GatewayStore) writeFrame(conn *websocket.Conn, frame *gatewayFrame) error {
	self.writeLock.Lock()
	defer self.writeLock.Unlock()
	conn.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
	return conn.WriteJSON(frame)
}

func (self *GatewayStore) readLoop(conn *websocket.Conn) {
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		return nil
	})

	for {
		frame := &gatewayFrame{}
		conn.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		if err := conn.ReadJSON(frame); err != nil {
			conn.Close()
			return
		}

		switch frame.Type {
		case "change":
			self.applyChange(frame)
		case "watch_error":
			self.stateLock.Lock()
			watch := self.watches[frame.WatchId]
			self.stateLock.Unlock()
			if watch != nil {
				errorCallback := watch.errorCallback
				HandleError(func() {
					errorCallback(errors.New(frame.Error))
				})
			}
		case "response":
			self.stateLock.Lock()
			pending, ok := self.pendingRequests[frame.RequestId]
			delete(self.pendingRequests, frame.RequestId)
			self.stateLock.Unlock()
			if ok {
				pending <- frame
			}
		default:
			glog.V(1).Infof("[gateway]drop frame %s\n", frame.Type)
		}
	}
}

func (self *GatewayStore) applyChange(frame *gatewayFrame) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	watch, ok := self.watches[frame.WatchId]
	if !ok {
		return
	}

	if frame.Reset {
		watch.docs = map[string]*Document{}
	}
	for _, doc := range frame.Added {
		watch.docs[doc.Id] = &Document{
			Id:     doc.Id,
			Fields: doc.Fields,
		}
	}
	for _, doc := range frame.Modified {
		watch.docs[doc.Id] = &Document{
			Id:     doc.Id,
			Fields: doc.Fields,
		}
	}
	for _, id := range frame.Removed {
		delete(watch.docs, id)
	}

	docs := maps.Values(watch.docs)
	sortDocuments(docs, watch.query.OrderBy)
	watch.queue.enqueue(docs)
}

// disconnect fails all in-flight requests and signals every watch. Watch
// registration and materialized views are kept for replay on reconnect.
func (self *GatewayStore) disconnect(err error) {
	if err == nil {
		err = errors.New("gateway connection lost")
	}

	self.stateLock.Lock()
	self.conn = nil
	pending := maps.Values(self.pendingRequests)
	self.pendingRequests = map[int]chan *gatewayFrame{}
	watches := maps.Values(self.watches)
	self.stateLock.Unlock()

	for _, p := range pending {
		close(p)
	}
	for _, watch := range watches {
		errorCallback := watch.errorCallback
		HandleError(func() {
			errorCallback(err)
		})
	}
}

func (self *GatewayStore) Watch(query *Query, snapshotCallback SnapshotFunction, errorCallback WatchErrorFunction) Watch {
	watch := &gatewayWatch{
		store:         self,
		query:         query,
		errorCallback: errorCallback,
		queue:         newSnapshotQueue(snapshotCallback),
		docs:          map[string]*Document{},
	}

	self.stateLock.Lock()
	watchId := self.nextWatchId
	self.nextWatchId += 1
	watch.watchId = watchId
	self.watches[watchId] = watch
	conn := self.conn
	self.stateLock.Unlock()

	if conn != nil {
		if err := self.writeFrame(conn, &gatewayFrame{
			Type:    "watch",
			WatchId: watchId,
			Query:   gatewayQueryFromQuery(query),
		}); err != nil {
			// the read loop notices the torn connection; the watch is
			// replayed on reconnect
			conn.Close()
		}
	} else {
		HandleError(func() {
			errorCallback(ErrUnavailable)
		})
	}

	return watch
}

func (self *GatewayStore) closeWatch(watch *gatewayWatch) {
	self.stateLock.Lock()
	delete(self.watches, watch.watchId)
	conn := self.conn
	self.stateLock.Unlock()

	if conn != nil {
		self.writeFrame(conn, &gatewayFrame{
			Type:    "unwatch",
			WatchId: watch.watchId,
		})
	}
}

func (self *GatewayStore) request(ctx context.Context, frame *gatewayFrame) (*gatewayFrame, error) {
	self.stateLock.Lock()
	if self.closed {
		self.stateLock.Unlock()
		return nil, ErrUnavailable
	}
	conn := self.conn
	if conn == nil {
		self.stateLock.Unlock()
		return nil, ErrUnavailable
	}
	requestId := self.nextRequestId
	self.nextRequestId += 1
	frame.RequestId = requestId
	pending := make(chan *gatewayFrame, 1)
	self.pendingRequests[requestId] = pending
	self.stateLock.Unlock()

	removePending := func() {
		self.stateLock.Lock()
		delete(self.pendingRequests, requestId)
		self.stateLock.Unlock()
	}

	if err := self.writeFrame(conn, frame); err != nil {
		removePending()
		conn.Close()
		return nil, err
	}

	select {
	case response, ok := <-pending:
		if !ok {
			return nil, ErrUnavailable
		}
		if response.Error != "" {
			return nil, errors.New(response.Error)
		}
		return response, nil
	case <-time.After(self.settings.RequestTimeout):
		removePending()
		return nil, errors.New("request timeout")
	case <-ctx.Done():
		removePending()
		return nil, ctx.Err()
	case <-self.ctx.Done():
		removePending()
		return nil, ErrUnavailable
	}
}

func (self *GatewayStore) Get(ctx context.Context, collection string, id string) (*Document, error) {
	response, err := self.request(ctx, &gatewayFrame{
		Type:       "request",
		Op:         "get",
		Collection: collection,
		Id:         id,
	})
	if err != nil {
		return nil, err
	}
	if response.Doc == nil {
		return nil, ErrNotFound
	}
	return &Document{
		Id:     response.Doc.Id,
		Fields: response.Doc.Fields,
	}, nil
}

func (self *GatewayStore) write(ctx context.Context, frame *gatewayFrame) error {
	if _, err := self.request(ctx, frame); err != nil {
		return &WriteFailedError{
			Collection: frame.Collection,
			Id:         frame.Id,
			Err:        err,
		}
	}
	return nil
}

func (self *GatewayStore) Set(ctx context.Context, collection string, id string, fields map[string]any) error {
	return self.write(ctx, &gatewayFrame{
		Type:       "request",
		Op:         "set",
		Collection: collection,
		Id:         id,
		Fields:     fields,
	})
}

func (self *GatewayStore) Update(ctx context.Context, collection string, id string, fields map[string]any) error {
	return self.write(ctx, &gatewayFrame{
		Type:       "request",
		Op:         "update",
		Collection: collection,
		Id:         id,
		Fields:     fields,
	})
}

func (self *GatewayStore) AddToSet(ctx context.Context, collection string, id string, field string, values ...string) error {
	return self.write(ctx, &gatewayFrame{
		Type:       "request",
		Op:         "add_to_set",
		Collection: collection,
		Id:         id,
		Field:      field,
		Values:     values,
	})
}

func (self *GatewayStore) Delete(ctx context.Context, collection string, id string) error {
	return self.write(ctx, &gatewayFrame{
		Type:       "request",
		Op:         "delete",
		Collection: collection,
		Id:         id,
	})
}

// Close tears down the connection and every watch queue.
func (self *GatewayStore) Close() {
	self.stateLock.Lock()
	if self.closed {
		self.stateLock.Unlock()
		return
	}
	self.closed = true
	conn := self.conn
	self.conn = nil
	watches := maps.Values(self.watches)
	self.watches = map[int]*gatewayWatch{}
	self.stateLock.Unlock()

	self.cancel()
	if conn != nil {
		conn.Close()
	}
	for _, watch := range watches {
		watch.queue.close()
	}
}
