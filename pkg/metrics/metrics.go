package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestsProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "menshen_requests_total",
		Help: "已判定的请求总数",
	})

	RequestsBlocked = promauto.NewCounter(prometheus.CounterOpts{
		Name: "menshen_blocked_total",
		Help: "被拦截的请求总数",
	})

	ChallengesIssued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "menshen_challenges_issued_total",
		Help: "下发的验证码总数",
	})

	ChallengesSolved = promauto.NewCounter(prometheus.CounterOpts{
		Name: "menshen_challenges_solved_total",
		Help: "被解开的验证码总数",
	})

	ScorerDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "menshen_scorer_seconds",
		Help:    "单次请求的打分耗时",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 10),
	})

	EmergencyMails = promauto.NewCounter(prometheus.CounterOpts{
		Name: "menshen_emergency_mails_total",
		Help: "发出的紧急告警邮件总数",
	})
)
