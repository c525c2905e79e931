package domain

import (
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite" // pure-Go SQLite (no CGO)
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newDomainDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:domain_%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	return db
}

func TestTableNames(t *testing.T) {
	if (User{}).TableName() != "users" {
		t.Fatalf("User.TableName() = %q", (User{}).TableName())
	}
	if (DailyCounter{}).TableName() != "daily_counters" {
		t.Fatalf("DailyCounter.TableName() = %q", (DailyCounter{}).TableName())
	}
}

func TestDailyCounter_UniqueUserDate(t *testing.T) {
	db := newDomainDB(t)
	if err := db.AutoMigrate(&DailyCounter{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	if err := db.Create(&DailyCounter{UserID: 1, Date: "2025-03-01", Count: 1}).Error; err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := db.Create(&DailyCounter{UserID: 1, Date: "2025-03-01", Count: 1}).Error; err == nil {
		t.Fatalf("expected unique violation on (user_id, date)")
	}
	if err := db.Create(&DailyCounter{UserID: 1, Date: "2025-03-02", Count: 1}).Error; err != nil {
		t.Fatalf("other date must be allowed: %v", err)
	}

	var got DailyCounter
	if err := db.Where(`user_id = ? AND "date" = ?`, 1, Day("2025-03-02")).First(&got).Error; err != nil {
		t.Fatalf("read back: %v", err)
	}
	if got.Date != "2025-03-02" || got.Count != 1 {
		t.Fatalf("unexpected row: %+v", got)
	}
}

func TestPartitionName_RoundTrip(t *testing.T) {
	m := time.Date(2025, time.March, 17, 8, 0, 0, 0, time.UTC)
	name := PartitionName(m)
	if name != "messages_2025_03" {
		t.Fatalf("PartitionName = %q", name)
	}
	back, ok := ParsePartitionName(name)
	if !ok || !back.Equal(time.Date(2025, time.March, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("ParsePartitionName(%q) = %v, %v", name, back, ok)
	}
	for _, bad := range []string{"messages", "messages_2025_13", "messages_2025_3", "chats_2025_03"} {
		if _, ok := ParsePartitionName(bad); ok {
			t.Fatalf("ParsePartitionName(%q) should fail", bad)
		}
	}
}

func TestDay_Arithmetic(t *testing.T) {
	d, err := ParseDay("2024-03-01")
	if err != nil {
		t.Fatalf("ParseDay: %v", err)
	}
	if got := d.AddDays(-1); got != "2024-02-29" {
		t.Fatalf("AddDays(-1) = %q; want leap day", got)
	}
	if _, err := ParseDay("03/01/2024"); err == nil {
		t.Fatalf("expected error for non ISO date")
	}
	loc := time.FixedZone("UTC+3", 3*3600)
	if got := DayOf(time.Date(2024, 1, 1, 1, 0, 0, 0, loc)); got != "2024-01-01" {
		t.Fatalf("DayOf must use the time's own location, got %q", got)
	}
}

func TestFieldUpdate_Apply(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	exp := now.Add(24 * time.Hour)
	s := StateFromUser(User{ID: 42, Gender: GenderFemale, Subscription: SubscriptionFree, Language: "en"}, now)

	SetGender(GenderMale).Apply(&s)
	SetConsent(true).Apply(&s)
	SetLanguage("ru").Apply(&s)
	SetSubscription(SubscriptionPremium, &exp).Apply(&s)
	SetLastMessageAt(now).Apply(&s)

	if s.Gender != GenderMale || !s.ConsentGiven || s.Language != "ru" {
		t.Fatalf("fields not applied: %+v", s)
	}
	if !s.IsPremium(now) || s.IsPremium(exp.Add(time.Second)) {
		t.Fatalf("premium window wrong")
	}
	if s.LastMessageAt == nil || !s.LastMessageAt.Equal(now) {
		t.Fatalf("last message at not set")
	}

	// Mutating the caller's time must not leak into the state.
	exp = exp.Add(time.Hour)
	if s.SubscriptionExpiresAt.Equal(exp) {
		t.Fatalf("expiry aliased caller variable")
	}

	var zero FieldUpdate
	before := s
	zero.Apply(&s)
	if s.Gender != before.Gender || s.Language != before.Language {
		t.Fatalf("zero update must be a no-op")
	}
}

func TestBlockRecord_Active(t *testing.T) {
	now := time.Now()
	until := now.Add(time.Minute)
	tmp := BlockRecord{Type: BlockTemporary, ExpiresAt: &until}
	if !tmp.Active(now) || tmp.Active(until) {
		t.Fatalf("temporary block expiry wrong")
	}
	if !(BlockRecord{Type: BlockPermanent}).Active(now.Add(1000 * time.Hour)) {
		t.Fatalf("permanent block must stay active")
	}
	if UserSubject(7) != "user:7" || IPSubject("10.0.0.1") != "ip:10.0.0.1" {
		t.Fatalf("subject formatting changed")
	}
}
