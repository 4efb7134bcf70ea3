package services

import (
	"sync"
	"testing"
	"time"

	"github.com/ISeeYou-Fortune-Telling-App/ISU-Backend-sub000/config"
	"github.com/ISeeYou-Fortune-Telling-App/ISU-Backend-sub000/models"
	appredis "github.com/ISeeYou-Fortune-Telling-App/ISU-Backend-sub000/redis"
	"github.com/alicebob/miniredis/v2"
	"github.com/glebarez/sqlite"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, models.AutoMigrateAll(db))
	return db
}

func newTestCache(t *testing.T) (*appredis.UndoCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	return appredis.NewUndoCache(&appredis.RedisClient{Client: client}), mr
}

func testSessionConfig() *config.SessionConfig {
	cfg := &config.SessionConfig{}
	cfg.ApplyDefaults()
	return cfg
}

type fixtures struct {
	customer *models.User
	seer     *models.User
	admin    *models.User
	pkg      *models.ServicePackage
}

func seedUsers(t *testing.T, db *gorm.DB) fixtures {
	t.Helper()
	customer := &models.User{Email: "alice@example.com", Username: "alice", Type: "customer"}
	seer := &models.User{Email: "luna@example.com", Username: "luna", Type: "seer"}
	admin := &models.User{Email: "ops@example.com", Username: "ops", Type: "admin"}
	require.NoError(t, db.Create(customer).Error)
	require.NoError(t, db.Create(seer).Error)
	require.NoError(t, db.Create(admin).Error)

	pkg := &models.ServicePackage{SeerID: seer.ID, Title: "塔罗 60 分钟", DurationMinutes: 60, Price: 99}
	require.NoError(t, db.Create(pkg).Error)

	return fixtures{customer: customer, seer: seer, admin: admin, pkg: pkg}
}

func seedBooking(t *testing.T, db *gorm.DB, f fixtures, status string, scheduled time.Time) *models.Booking {
	t.Helper()
	booking := &models.Booking{
		CustomerID:    f.customer.ID,
		PackageID:     f.pkg.ID,
		Status:        status,
		ScheduledTime: scheduled,
	}
	require.NoError(t, db.Create(booking).Error)
	return booking
}

func newTestServices(t *testing.T) (*gorm.DB, *ConversationService, *MessageService, *miniredis.Miniredis) {
	t.Helper()
	db := newTestDB(t)
	cache, mr := newTestCache(t)
	cfg := testSessionConfig()
	policy := NewVisibilityPolicy(cfg.RecallWindowMinutes)
	messages := NewMessageService(db, policy, cache, cfg)
	conversations := NewConversationService(db, cfg, NewBookingService(db), messages)
	return db, conversations, messages, mr
}

// recordingBroadcaster 记录广播事件供断言
type recordingBroadcaster struct {
	mu     sync.Mutex
	events []map[string]interface{}
}

func (r *recordingBroadcaster) Broadcast(conversationID uint, event map[string]interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recordingBroadcaster) countType(eventType string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e["type"] == eventType {
			n++
		}
	}
	return n
}

// recordingNotifier 记录外发通知供断言
type recordingNotifier struct {
	mu    sync.Mutex
	kinds []string
}

func (r *recordingNotifier) Notify(userID uint, kind string, conversationID uint, content string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kinds = append(r.kinds, kind)
}

func (r *recordingNotifier) countKind(kind string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, k := range r.kinds {
		if k == kind {
			n++
		}
	}
	return n
}
