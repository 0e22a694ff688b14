// README: Websocket gateway; authenticates sockets and routes client messages to the location and tracking services.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"dispatch/internal/apperr"
	"dispatch/internal/events"
	"dispatch/internal/infra"
	"dispatch/internal/keylock"
	"dispatch/internal/modules/location"
	"dispatch/internal/modules/tracking"
	"dispatch/internal/types"
)

const DefaultNearbyRadiusKm = 10.0

// Tracking is the part of the tracking service the gateway drives.
type Tracking interface {
	UpdateLocation(ctx context.Context, caller types.Actor, cmd tracking.LocationCommand) (*tracking.Session, error)
	AuthorizeRoom(ctx context.Context, caller types.Actor, orderID types.ID) error
}

type Config struct {
	NearbyRadiusKm float64
}

type Gateway struct {
	verifier  infra.TokenVerifier
	locations *location.Service
	tracking  Tracking
	bus       *events.Bus
	cfg       Config
	upgrader  websocket.Upgrader
	now       func() time.Time

	// actors serializes socket counting with presence connect/disconnect
	// for one actor.
	actors  *keylock.Map[types.ID]
	mu      sync.Mutex
	sockets map[types.ID]int
}

func NewGateway(verifier infra.TokenVerifier, locations *location.Service, tracking Tracking, bus *events.Bus, cfg Config) *Gateway {
	if cfg.NearbyRadiusKm <= 0 {
		cfg.NearbyRadiusKm = DefaultNearbyRadiusKm
	}
	return &Gateway{
		verifier:  verifier,
		locations: locations,
		tracking:  tracking,
		bus:       bus,
		cfg:       cfg,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		now:     time.Now,
		actors:  keylock.New[types.ID](),
		sockets: make(map[types.ID]int),
	}
}

// ServeHTTP verifies the bearer token before upgrading. The token comes from
// the Authorization header or the token query parameter.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	raw := bearerToken(r)
	if raw == "" {
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}
	token, err := g.verifier.VerifyIDToken(r.Context(), raw)
	if err != nil || token.UID == "" {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ws upgrade failed: %v", err)
		return
	}
	c := newClient(uuid.NewString(), conn, token)
	go c.writePump()
	g.readPump(c)
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return r.URL.Query().Get("token")
}

func (g *Gateway) readPump(c *Client) {
	defer g.release(c)

	c.Conn.SetReadLimit(maxMessageSize)
	_ = c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		return c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, payload, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("ws %s: read: %v", c.ID, err)
			}
			return
		}
		var msg inbound
		if err := json.Unmarshal(payload, &msg); err != nil {
			g.reply(c, events.NewError("", fmt.Errorf("%w: malformed message", apperr.ErrBadRequest)))
			continue
		}
		if err := g.dispatch(context.Background(), c, msg); err != nil {
			g.reply(c, events.NewError(msg.Type, err))
		}
	}
}

// release undoes everything the socket registered. Presence goes offline only
// when the actor's last socket closes.
func (g *Gateway) release(c *Client) {
	g.bus.LeaveAll(c.ID)
	c.close()

	actor, ok := c.Actor()
	if !ok || !actor.Role.Tracked() {
		return
	}
	unlock := g.actors.Lock(actor.ID)
	defer unlock()
	if g.addSocket(actor.ID, -1) <= 0 {
		g.locations.Disconnect(actor.ID)
	}
}

// addSocket adjusts the live socket count of id and returns the new value.
func (g *Gateway) addSocket(id types.ID, delta int) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := g.sockets[id] + delta
	if n <= 0 {
		delete(g.sockets, id)
		return 0
	}
	g.sockets[id] = n
	return n
}

func (g *Gateway) reply(c *Client, ev events.Event) {
	c.Deliver(events.NewEnvelope(ev, g.now()))
}

func (g *Gateway) dispatch(ctx context.Context, c *Client, msg inbound) error {
	if msg.Type == msgConnect {
		var req connectRequest
		if err := decode(msg.Data, &req); err != nil {
			return err
		}
		return g.connect(c, req)
	}

	actor, ok := c.Actor()
	if !ok {
		return fmt.Errorf("%w: send connect first", apperr.ErrUnauthorized)
	}

	switch msg.Type {
	case msgJoinServiceRoom:
		var req joinServiceRoomRequest
		if err := decode(msg.Data, &req); err != nil {
			return err
		}
		return g.joinServiceRoom(ctx, c, actor, req)
	case msgJoinPersonalRoom:
		var req joinPersonalRoomRequest
		if err := decode(msg.Data, &req); err != nil {
			return err
		}
		return g.joinPersonalRoom(c, actor, req)
	case msgUpdateLocation:
		var req updateLocationRequest
		if err := decode(msg.Data, &req); err != nil {
			return err
		}
		return g.updateLocation(ctx, c, actor, req)
	case msgGetNearby:
		var req getNearbyRequest
		if err := decode(msg.Data, &req); err != nil {
			return err
		}
		return g.getNearby(c, actor, req)
	default:
		return fmt.Errorf("%w: unknown message type %q", apperr.ErrBadRequest, msg.Type)
	}
}

func decode(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", apperr.ErrBadRequest, err)
	}
	return nil
}

// connect binds the socket to the verified identity. A role claim on the
// token wins; without one the requested role is used.
func (g *Gateway) connect(c *Client, req connectRequest) error {
	role := c.token.Role()
	switch {
	case role == "":
		role = req.Role
	case req.Role != "" && req.Role != role:
		return fmt.Errorf("%w: token role %q does not match %q", apperr.ErrUnauthorized, role, req.Role)
	}
	if role != types.RoleOperator && !role.Tracked() {
		return fmt.Errorf("%w: unknown role %q", apperr.ErrBadRequest, role)
	}
	prev, bound := c.Actor()
	if bound && prev.Role != role {
		return fmt.Errorf("%w: socket already connected as %s", apperr.ErrConflict, prev.Role)
	}
	actor := types.Actor{ID: types.ID(c.token.UID), Role: role, Name: c.token.Name()}

	if role.Tracked() {
		unlock := g.actors.Lock(actor.ID)
		_, err := g.locations.Connect(actor, req.DeviceToken)
		if err == nil && !bound {
			g.addSocket(actor.ID, 1)
		}
		unlock()
		if err != nil {
			return err
		}
		g.bus.Join(events.ActorRoom(role, actor.ID), c)
	}
	c.bind(actor)
	return nil
}

func (g *Gateway) joinServiceRoom(ctx context.Context, c *Client, actor types.Actor, req joinServiceRoomRequest) error {
	if req.OrderID == "" {
		return fmt.Errorf("%w: orderId is required", apperr.ErrBadRequest)
	}
	if err := g.tracking.AuthorizeRoom(ctx, actor, req.OrderID); err != nil {
		return err
	}
	g.bus.Join(events.ServiceRoom(req.OrderID), c)
	return nil
}

func (g *Gateway) joinPersonalRoom(c *Client, actor types.Actor, req joinPersonalRoomRequest) error {
	if req.ActorID == "" {
		req.ActorID = actor.ID
	}
	if actor.IsOperator() {
		g.bus.Join(events.ActorRoom(types.RoleRequester, req.ActorID), c)
		g.bus.Join(events.ActorRoom(types.RoleWorker, req.ActorID), c)
		return nil
	}
	if req.ActorID != actor.ID {
		return fmt.Errorf("%w: personal room of another actor", apperr.ErrUnauthorized)
	}
	g.bus.Join(events.ActorRoom(actor.Role, actor.ID), c)
	return nil
}

// updateLocation applies the push to presence first and then, when an order
// is named, to its tracking session. A failed flush is reported but does not
// stop the session update.
func (g *Gateway) updateLocation(ctx context.Context, c *Client, actor types.Actor, req updateLocationRequest) error {
	if req.Lat == nil || req.Lon == nil {
		return fmt.Errorf("%w: lat and lon are required", apperr.ErrInvalidCoordinate)
	}
	if req.Role != "" && req.Role != actor.Role {
		return fmt.Errorf("%w: role %q does not match connection", apperr.ErrUnauthorized, req.Role)
	}

	res, err := g.locations.Push(ctx, actor, *req.Lat, *req.Lon)
	if err != nil {
		return err
	}
	if res.FlushErr != nil {
		g.reply(c, events.NewError(msgUpdateLocation, res.FlushErr))
	}

	if req.OrderID == "" {
		return nil
	}
	_, err = g.tracking.UpdateLocation(ctx, actor, tracking.LocationCommand{
		OrderID:  req.OrderID,
		Role:     actor.Role,
		Location: types.Point{Lat: *req.Lat, Lng: *req.Lon},
		Meta:     req.Meta,
	})
	if errors.Is(err, tracking.ErrNoActiveSession) {
		log.Printf("ws %s: push for order %s without active session", c.ID, req.OrderID)
	}
	return err
}

func (g *Gateway) getNearby(c *Client, actor types.Actor, req getNearbyRequest) error {
	radius := req.RadiusKm
	if radius <= 0 {
		radius = g.cfg.NearbyRadiusKm
	}
	hits, err := g.locations.Nearby(actor.ID, radius)
	if err != nil {
		return err
	}
	g.reply(c, events.NearbyResults{RadiusKm: radius, Actors: hits})
	return nil
}
