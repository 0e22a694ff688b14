package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jackc/pgx/v5/pgxpool"

	"dispatch/internal/infra"
	"dispatch/internal/modules/order"
	"dispatch/internal/types"
)

const kmPerDegree = 111.32

type Results struct {
	Actors  int
	Pushes  int
	Errors  int
	Dropped int
	Events  map[string]int
	Order   types.ID
	Session string
}

type Simulation struct {
	cfg    Config
	tokens *infra.JWTManager
	httpc  *http.Client

	mu  sync.Mutex
	res Results
}

func NewSimulation(cfg Config) (*Simulation, error) {
	if cfg.Secret == "" {
		return nil, errors.New("a JWT secret is required (-secret or DISPATCH_AUTH_JWT_SECRET)")
	}
	if cfg.Workers < 1 {
		return nil, errors.New("at least one worker is required")
	}
	return &Simulation{
		cfg:    cfg,
		tokens: infra.NewJWTManager(cfg.Secret, cfg.Duration+time.Minute),
		httpc:  &http.Client{Timeout: 10 * time.Second},
		res:    Results{Events: make(map[string]int)},
	}, nil
}

type actor struct {
	id    types.ID
	role  types.Role
	token string
	pos   types.Point
	order types.ID
}

func (s *Simulation) Run(ctx context.Context) Results {
	requester, err := s.newActor("sim-requester", types.RoleRequester, types.Point{Lat: s.cfg.Lat, Lng: s.cfg.Lng})
	if err != nil {
		log.Printf("mint requester token: %v", err)
		return s.res
	}
	actors := []*actor{requester}
	for i := 0; i < s.cfg.Workers; i++ {
		w, err := s.newActor(types.ID(fmt.Sprintf("sim-worker-%03d", i)), types.RoleWorker, s.scatter())
		if err != nil {
			log.Printf("mint worker token: %v", err)
			return s.res
		}
		actors = append(actors, w)
	}

	if s.cfg.DSN != "" {
		orderID, err := s.seedOrder(ctx, requester.id, actors[1].id)
		if err != nil {
			log.Printf("seed order: %v", err)
		} else {
			actors[1].order = orderID
			s.res.Order = orderID
		}
	}

	var wg sync.WaitGroup
	for _, a := range actors {
		wg.Add(1)
		go func(a *actor) {
			defer wg.Done()
			s.drive(ctx, a, requester.pos)
		}(a)
	}

	if s.res.Order != "" {
		select {
		case <-time.After(2 * s.cfg.Interval):
			s.initialize(ctx, requester, s.res.Order)
		case <-ctx.Done():
		}
	}

	wg.Wait()
	s.res.Actors = len(actors)
	return s.res
}

func (s *Simulation) newActor(id types.ID, role types.Role, pos types.Point) (*actor, error) {
	token, err := s.tokens.Generate(string(id), string(role), string(id))
	if err != nil {
		return nil, err
	}
	return &actor{id: id, role: role, token: token, pos: pos}, nil
}

// scatter places a worker uniformly inside SpreadKm of the requester.
func (s *Simulation) scatter() types.Point {
	r := s.cfg.SpreadKm * math.Sqrt(rand.Float64())
	theta := rand.Float64() * 2 * math.Pi
	dLat := r * math.Cos(theta) / kmPerDegree
	dLng := r * math.Sin(theta) / (kmPerDegree * math.Cos(s.cfg.Lat*math.Pi/180))
	return types.Point{Lat: s.cfg.Lat + dLat, Lng: s.cfg.Lng + dLng}
}

func (s *Simulation) seedOrder(ctx context.Context, requester, worker types.ID) (types.ID, error) {
	pool, err := pgxpool.New(ctx, s.cfg.DSN)
	if err != nil {
		return "", err
	}
	defer pool.Close()
	o := &order.Order{
		ID:          types.ID(uuid.NewString()),
		RequesterID: requester,
		WorkerID:    &worker,
		Status:      order.StatusAssigned,
		CreatedAt:   time.Now().UTC(),
	}
	if err := order.NewPGStore(pool).Upsert(ctx, o); err != nil {
		return "", err
	}
	return o.ID, nil
}

func (s *Simulation) initialize(ctx context.Context, requester *actor, orderID types.ID) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.BaseURL+"/api/tracking/"+string(orderID)+"/initialize", nil)
	if err != nil {
		log.Printf("initialize: %v", err)
		return
	}
	req.Header.Set("Authorization", "Bearer "+requester.token)
	resp, err := s.httpc.Do(req)
	if err != nil {
		log.Printf("initialize: %v", err)
		return
	}
	defer resp.Body.Close()
	var body struct {
		Status string `json:"status"`
		Error  string `json:"error"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&body)
	s.mu.Lock()
	defer s.mu.Unlock()
	if resp.StatusCode != http.StatusCreated {
		log.Printf("initialize: status %d: %s", resp.StatusCode, body.Error)
		s.res.Errors++
		return
	}
	s.res.Session = body.Status
}

// drive connects a, then pushes a fix every interval until ctx ends.
// Workers close StepRatio of their remaining gap to target on each push.
func (s *Simulation) drive(ctx context.Context, a *actor, target types.Point) {
	url := "ws" + strings.TrimPrefix(s.cfg.BaseURL, "http") + "/ws?token=" + a.token
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		log.Printf("%s: dial: %v", a.id, err)
		s.count(func(r *Results) { r.Dropped++ })
		return
	}
	defer conn.Close()

	done := make(chan struct{})
	go s.listen(a, conn, done)

	if err := send(conn, "connect", map[string]any{"role": a.role}); err != nil {
		log.Printf("%s: connect: %v", a.id, err)
		return
	}

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		msg := map[string]any{"role": a.role, "lat": a.pos.Lat, "lon": a.pos.Lng}
		if a.order != "" {
			msg["orderId"] = a.order
		}
		if err := send(conn, "updateLocation", msg); err != nil {
			log.Printf("%s: push: %v", a.id, err)
			s.count(func(r *Results) { r.Dropped++ })
			return
		}
		s.count(func(r *Results) { r.Pushes++ })

		select {
		case <-ctx.Done():
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			select {
			case <-done:
			case <-time.After(time.Second):
			}
			return
		case <-done:
			return
		case <-ticker.C:
		}
		if a.role == types.RoleWorker {
			a.pos.Lat += (target.Lat - a.pos.Lat) * s.cfg.StepRatio
			a.pos.Lng += (target.Lng - a.pos.Lng) * s.cfg.StepRatio
		}
	}
}

func (s *Simulation) listen(a *actor, conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)
	for {
		var env struct {
			Event string          `json:"event"`
			Data  json.RawMessage `json:"data"`
		}
		if err := conn.ReadJSON(&env); err != nil {
			return
		}
		s.count(func(r *Results) {
			r.Events[env.Event]++
			if env.Event == "error" {
				r.Errors++
			}
		})
		if env.Event == "error" {
			log.Printf("%s: server error: %s", a.id, env.Data)
		}
	}
}

func (s *Simulation) count(fn func(r *Results)) {
	s.mu.Lock()
	fn(&s.res)
	s.mu.Unlock()
}

func send(conn *websocket.Conn, typ string, data any) error {
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteJSON(map[string]any{"type": typ, "data": data})
}
