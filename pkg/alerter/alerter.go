// Package alerter 积累拦截事件并按时间闸门发送聚合告警：
// 紧急邮件最多每小时一封，日报最多每天一封。内存有界，
// 连接桶超限时同步清理。
package alerter

import (
	"fmt"
	"html"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oschwald/geoip2-golang"

	"go-menshen/pkg/logger"
	"go-menshen/pkg/mailer"
	"go-menshen/pkg/metrics"
	"go-menshen/pkg/models"
)

const (
	// 内存清理参数：单连接最多存的记录数、触发清理的连接数上限、
	// 清理后保留的连接数
	MaxEntriesPerConnection = 10
	MaxConnectionIDs        = 200
	KeepOnCleanup           = 100

	EmergencyInterval = time.Hour
	DailyInterval     = 24 * time.Hour
	DailyRetainDays   = 21
)

// AttackEntry 单次拦截的记录
type AttackEntry struct {
	TopicAttack  bool
	StructAttack bool
	TopicTypes   string // 已格式化的 label (distance) 列表
	StructTypes  string
	RemoteIP     string
	Time         time.Time
}

// Alerter 告警子系统。所有状态共用一把锁，时间闸门的
// 检查与置位在锁内一次完成，避免并发双发。
type Alerter struct {
	mu      sync.Mutex
	attacks map[int64][]AttackEntry
	counts  map[int64]int // 日零点unix -> 当日攻击数

	lastEmergency time.Time
	lastDaily     time.Time

	sendEmergency bool
	sendDaily     bool

	mailer mailer.Mailer
	city   *geoip2.Reader
	asn    *geoip2.Reader
	now    func() time.Time
}

// New 创建告警子系统。mailer为nil时（未配置收件人）告警整体不生效。
// GeoIP读取器可选，配了就在紧急邮件里加地理位置列。
func New(m mailer.Mailer, city, asn *geoip2.Reader, sendEmergency, sendDaily bool) *Alerter {
	a := &Alerter{
		attacks:       make(map[int64][]AttackEntry),
		counts:        make(map[int64]int),
		sendEmergency: sendEmergency,
		sendDaily:     sendDaily,
		mailer:        m,
		city:          city,
		asn:           asn,
		now:           time.Now,
	}
	// 首封日报最早在启动24小时后
	a.lastDaily = a.now()
	return a
}

// Active 是否配置了邮件收件人
func (a *Alerter) Active() bool {
	return a.mailer != nil
}

// LogAttack 记录一次拦截：入桶（FIFO上限10条）、累加当日计数、
// 触发紧急邮件检查、最后跑清理。
func (a *Alerter) LogAttack(connectionID int64, remoteIP string, topic, structured models.Verdict) {
	if !a.Active() {
		return
	}

	a.mu.Lock()

	entry := AttackEntry{
		TopicAttack:  topic.IsAttack,
		StructAttack: structured.IsAttack,
		TopicTypes:   formatTypes(topic.Predictions),
		StructTypes:  formatTypes(structured.Predictions),
		RemoteIP:     remoteIP,
		Time:         a.now(),
	}

	bucket := a.attacks[connectionID]
	if len(bucket) >= MaxEntriesPerConnection {
		bucket = bucket[1:]
	}
	a.attacks[connectionID] = append(bucket, entry)

	day := dayStart(entry.Time)
	a.counts[day]++

	body, subject := a.buildEmergencyLocked()
	a.cleanupLocked()
	a.mu.Unlock()

	if body != "" {
		a.dispatch(body, subject)
		metrics.EmergencyMails.Inc()
	}
}

// MaybeSendDailyReport 日报检查，搭在每个被拦截请求上执行，
// 时间闸门保证每24小时至多一封
func (a *Alerter) MaybeSendDailyReport() {
	if !a.Active() {
		return
	}

	a.mu.Lock()
	body, subject := a.buildDailyLocked()
	a.mu.Unlock()

	if body != "" {
		a.dispatch(body, subject)
	}
}

// buildEmergencyLocked 闸门通过时生成紧急邮件正文。
// 通过即更新时间戳——哪怕窗口内一条记录都没有。
// 调用方必须持有a.mu。
func (a *Alerter) buildEmergencyLocked() (body, subject string) {
	if !a.sendEmergency {
		return "", ""
	}
	now := a.now()
	if now.Sub(a.lastEmergency) <= EmergencyInterval {
		return "", ""
	}
	a.lastEmergency = now
	cutoff := now.Add(-EmergencyInterval)

	var b strings.Builder
	b.WriteString(tableStyle)
	b.WriteString(`<tr><th align="left">User ID</th><th align="left">Is Attack?</th><th align="left">Types (distance)</th>`)
	if a.city != nil || a.asn != nil {
		b.WriteString(`<th align="left">Origin</th>`)
	}
	b.WriteString("</tr>")

	count := 0
	for _, cid := range sortedConnIDs(a.attacks) {
		for _, e := range a.attacks[cid] {
			if !e.Time.After(cutoff) {
				continue
			}
			count++
			fmt.Fprintf(&b, `<tr><td align="right">%d</td>`, cid)
			fmt.Fprintf(&b, `<td align="left">LDA: %s<br/> NN: %s</td>`, mark(e.TopicAttack), mark(e.StructAttack))
			fmt.Fprintf(&b, `<td align="left">LDA: %s<br/> NN: %s</td>`,
				html.EscapeString(e.TopicTypes), html.EscapeString(e.StructTypes))
			if a.city != nil || a.asn != nil {
				fmt.Fprintf(&b, `<td align="left">%s</td>`, html.EscapeString(a.origin(e.RemoteIP)))
			}
			b.WriteString("</tr>")
		}
	}
	b.WriteString("</table></html>")

	return b.String(), fmt.Sprintf("Emergency – %d attacks in the last hour", count)
}

// buildDailyLocked 闸门通过时生成日报正文，并顺手清掉21天前的计数。
// 调用方必须持有a.mu。
func (a *Alerter) buildDailyLocked() (body, subject string) {
	if !a.sendDaily {
		return "", ""
	}
	now := a.now()
	if now.Sub(a.lastDaily) <= DailyInterval {
		return "", ""
	}
	a.lastDaily = now

	days := make([]int64, 0, len(a.counts))
	for day := range a.counts {
		days = append(days, day)
	}
	sort.Slice(days, func(i, j int) bool { return days[i] < days[j] })

	var b strings.Builder
	b.WriteString(tableStyle)
	b.WriteString(`<tr><th align="left">Day</th><th align="left">Number of attacks</th></tr>`)
	for _, day := range days {
		fmt.Fprintf(&b, `<tr><td>%s</td><td align="right">%d</td></tr>`,
			time.Unix(day, 0).Format("2006-01-02"), a.counts[day])
		if now.Unix()-day > int64((DailyRetainDays*24)*3600) {
			delete(a.counts, day)
		}
	}
	b.WriteString("</table></html>")

	return b.String(), "Daily Report"
}

// cleanupLocked 连接桶超限时按最后记录时间降序保留前KeepOnCleanup个。
// 调用方必须持有a.mu。
func (a *Alerter) cleanupLocked() {
	if len(a.attacks) <= MaxConnectionIDs {
		return
	}
	type entry struct {
		id   int64
		last time.Time
	}
	entries := make([]entry, 0, len(a.attacks))
	for id, bucket := range a.attacks {
		entries = append(entries, entry{id, bucket[len(bucket)-1].Time})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].last.After(entries[j].last)
	})
	for _, e := range entries[KeepOnCleanup:] {
		delete(a.attacks, e.id)
	}
	logger.Log.Debugf("告警桶清理完成，保留 %d 个连接", len(a.attacks))
}

// dispatch 尽力而为地发信，失败只记日志
func (a *Alerter) dispatch(body, subject string) {
	if err := a.mailer.Send(body, subject); err != nil {
		logger.Log.Errorf("发送告警邮件失败: %v", err)
	}
}

// origin 用GeoIP查攻击来源，查不到给"-"
func (a *Alerter) origin(ipStr string) string {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return "-"
	}

	var parts []string
	if a.city != nil {
		if rec, err := a.city.Country(ip); err == nil {
			if name := rec.Country.Names["en"]; name != "" {
				parts = append(parts, name)
			}
		}
	}
	if a.asn != nil {
		if rec, err := a.asn.ASN(ip); err == nil && rec.AutonomousSystemOrganization != "" {
			parts = append(parts, rec.AutonomousSystemOrganization)
		}
	}
	if len(parts) == 0 {
		return "-"
	}
	return strings.Join(parts, " / ")
}

const tableStyle = `<html><style>table,th,tr,td { border:solid 1px black; border-collapse: collapse; padding: 2px; }</style><table>`

// formatTypes 格式化榜单为 "label (0.300), label2 (0.700)"
func formatTypes(preds []models.Prediction) string {
	if len(preds) == 0 {
		return "not calculated"
	}
	parts := make([]string, len(preds))
	for i, p := range preds {
		parts[i] = fmt.Sprintf("%s (%.3f)", p.Label, p.Distance)
	}
	return strings.Join(parts, ", ")
}

func mark(attack bool) string {
	if attack {
		return "&check;"
	}
	return "&cross;"
}

func dayStart(t time.Time) int64 {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location()).Unix()
}

func sortedConnIDs(m map[int64][]AttackEntry) []int64 {
	ids := make([]int64, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
