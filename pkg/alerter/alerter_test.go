package alerter

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-menshen/pkg/models"
)

type fakeMailer struct {
	subjects []string
	bodies   []string
}

func (f *fakeMailer) Send(htmlBody, subject string) error {
	f.bodies = append(f.bodies, htmlBody)
	f.subjects = append(f.subjects, subject)
	return nil
}

func attackVerdict() models.Verdict {
	return models.Verdict{
		IsAttack:    true,
		Predictions: []models.Prediction{{Label: "sqli", Distance: 0.1}},
	}
}

func newTestAlerter(m *fakeMailer) (*Alerter, *time.Time) {
	a := New(m, nil, nil, true, true)
	clock := time.Unix(100000, 0)
	a.now = func() time.Time { return clock }
	a.lastDaily = clock
	return a, &clock
}

func TestEmergencyThrottle(t *testing.T) {
	m := &fakeMailer{}
	a, clock := newTestAlerter(m)

	// lastEmergency零值，第一条记录就触发
	a.LogAttack(1, "8.8.8.8", attackVerdict(), attackVerdict())
	require.Len(t, m.subjects, 1)
	assert.Equal(t, "Emergency – 1 attacks in the last hour", m.subjects[0])

	// 窗口内的后续拦截不再发
	*clock = clock.Add(10 * time.Second)
	a.LogAttack(1, "8.8.8.8", attackVerdict(), attackVerdict())
	assert.Len(t, m.subjects, 1)

	// 过了间隔再发，且只统计窗口内的记录
	*clock = clock.Add(2 * time.Hour)
	a.LogAttack(2, "8.8.8.8", attackVerdict(), attackVerdict())
	require.Len(t, m.subjects, 2)
	assert.Equal(t, "Emergency – 1 attacks in the last hour", m.subjects[1])
}

func TestEmergencyBodyContents(t *testing.T) {
	m := &fakeMailer{}
	a, _ := newTestAlerter(m)

	a.LogAttack(7, "8.8.8.8", attackVerdict(), models.Verdict{IsAttack: false})
	require.Len(t, m.bodies, 1)
	body := m.bodies[0]
	assert.Contains(t, body, "&check;")
	assert.Contains(t, body, "&cross;")
	assert.Contains(t, body, "sqli (0.100)")
	assert.Contains(t, body, "not calculated")
}

func TestDailyReportThrottle(t *testing.T) {
	m := &fakeMailer{}
	a, clock := newTestAlerter(m)

	a.sendEmergency = false
	a.LogAttack(1, "8.8.8.8", attackVerdict(), attackVerdict())

	// 启动后24小时内不发日报
	a.MaybeSendDailyReport()
	assert.Empty(t, m.subjects)

	*clock = clock.Add(25 * time.Hour)
	a.MaybeSendDailyReport()
	require.Len(t, m.subjects, 1)
	assert.Equal(t, "Daily Report", m.subjects[0])

	// 再查一次不重复发
	a.MaybeSendDailyReport()
	assert.Len(t, m.subjects, 1)
}

func TestInactiveWithoutMailer(t *testing.T) {
	a := New(nil, nil, nil, true, true)
	assert.False(t, a.Active())

	// 不生效时记录与发送都是空转
	a.LogAttack(1, "8.8.8.8", attackVerdict(), attackVerdict())
	a.MaybeSendDailyReport()
	assert.Empty(t, a.attacks)
}

func TestEntriesPerConnectionBounded(t *testing.T) {
	m := &fakeMailer{}
	a, clock := newTestAlerter(m)
	a.sendEmergency = false

	for i := 0; i < MaxEntriesPerConnection+5; i++ {
		*clock = clock.Add(time.Second)
		a.LogAttack(1, "8.8.8.8", attackVerdict(), attackVerdict())
	}
	assert.Len(t, a.attacks[1], MaxEntriesPerConnection)
}

func TestConnectionCleanup(t *testing.T) {
	m := &fakeMailer{}
	a, clock := newTestAlerter(m)
	a.sendEmergency = false

	for i := int64(1); i <= MaxConnectionIDs+1; i++ {
		*clock = clock.Add(time.Second)
		a.LogAttack(i, "8.8.8.8", attackVerdict(), attackVerdict())
	}
	assert.Len(t, a.attacks, KeepOnCleanup)
	// 最新的连接保留，最老的被清
	assert.Contains(t, a.attacks, int64(MaxConnectionIDs+1))
	assert.NotContains(t, a.attacks, int64(1))
}

func TestFormatTypes(t *testing.T) {
	assert.Equal(t, "not calculated", formatTypes(nil))
	assert.Equal(t, "sqli (0.100), benign (0.900)", formatTypes([]models.Prediction{
		{Label: "sqli", Distance: 0.1},
		{Label: "benign", Distance: 0.9},
	}))
}

func TestDayStart(t *testing.T) {
	noon := time.Date(2025, 9, 1, 12, 30, 0, 0, time.UTC)
	evening := time.Date(2025, 9, 1, 23, 59, 0, 0, time.UTC)
	assert.Equal(t, dayStart(noon), dayStart(evening))

	nextDay := time.Date(2025, 9, 2, 0, 0, 1, 0, time.UTC)
	assert.NotEqual(t, dayStart(noon), dayStart(nextDay))
}
