// Package game holds the server-side request handlers of the demo game.
package game

import (
	"log/slog"
	"sync"
	"time"

	"github.com/luciancaetano/skillbridge"
	"github.com/luciancaetano/skillbridge/internal/distributor"
	"github.com/luciancaetano/skillbridge/message"
)

// AckMessage is the FirstTestResponse text sent for every FirstTestRequest.
const AckMessage = "ack"

// FirstService answers FirstTestRequest with FirstTestResponse and
// HeartbeatRequest with HeartbeatResponse.
type FirstService struct {
	logger *slog.Logger
	now    func() time.Time

	mu   sync.Mutex
	subs []skillbridge.Subscription
	dist *distributor.Distributor[skillbridge.Conn]
}

// NewFirstService creates the service. Call Register to start receiving.
func NewFirstService(logger *slog.Logger) *FirstService {
	if logger == nil {
		logger = slog.Default()
	}
	return &FirstService{
		logger: logger.With("component", "first_service"),
		now:    time.Now,
	}
}

// Register subscribes the handlers on d. Calling it twice is a no-op.
func (s *FirstService) Register(d *distributor.Distributor[skillbridge.Conn]) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dist != nil {
		return
	}
	s.dist = d
	s.subs = append(s.subs,
		distributor.Subscribe(d, s.firstTest),
		distributor.Subscribe(d, s.heartbeat),
	)
	s.logger.Info("first service registered")
}

// Close unsubscribes every handler added by Register.
func (s *FirstService) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, sub := range s.subs {
		s.dist.Unsubscribe(sub)
	}
	s.subs = nil
	s.dist = nil
}

func (s *FirstService) firstTest(conn skillbridge.Conn, req *message.FirstTestRequest) error {
	conn.Session().SetResponse(&message.FirstTestResponse{Message: AckMessage})
	s.logger.Info("first test request", "conn_id", conn.ID(), "hello_world", req.HelloWorld)
	return nil
}

func (s *FirstService) heartbeat(conn skillbridge.Conn, req *message.HeartbeatRequest) error {
	conn.Session().SetResponse(&message.HeartbeatResponse{
		ClientTime: req.ClientTime,
		ServerTime: s.now().UnixMilli(),
	})
	return nil
}
