package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "mail_engine"

// Metrics holds all Prometheus metrics
type Metrics struct {
	PollCycles          prometheus.Counter
	PollDuration        prometheus.Histogram
	AccountPollFailures prometheus.Counter
	MessagesIngested    prometheus.Counter
	MessagesSkipped     prometheus.Counter
	FilterMatches       prometheus.Counter
	SendsSucceeded      prometheus.Counter
	SendsFailed         prometheus.Counter
	SendDuration        prometheus.Histogram
	AutomationRuns      *prometheus.CounterVec
	AutomationRejects   *prometheus.CounterVec
	WebhookEvents       *prometheus.CounterVec
	CampaignSent        prometheus.Counter
	CampaignFailed      prometheus.Counter
	SchedulerRunning    *prometheus.GaugeVec
}

// NewMetrics registers the metrics on reg. Tests pass a fresh
// prometheus.NewRegistry().
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		PollCycles: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_cycles_total",
			Help:      "Total number of mailbox poll cycles",
		}),
		PollDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "poll_cycle_duration_seconds",
			Help:      "Time spent in one poll cycle across all accounts",
			Buckets:   prometheus.DefBuckets,
		}),
		AccountPollFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "account_poll_failures_total",
			Help:      "Total number of failed account polls",
		}),
		MessagesIngested: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_ingested_total",
			Help:      "Total number of messages stored by the ingestion pipeline",
		}),
		MessagesSkipped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_skipped_total",
			Help:      "Total number of duplicate messages skipped",
		}),
		FilterMatches: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "filter_matches_total",
			Help:      "Total number of messages that matched a filter rule",
		}),
		SendsSucceeded: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sends_succeeded_total",
			Help:      "Total number of messages sent",
		}),
		SendsFailed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sends_failed_total",
			Help:      "Total number of failed sends",
		}),
		SendDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "send_duration_seconds",
			Help:      "Time spent transmitting one message",
			Buckets:   prometheus.DefBuckets,
		}),
		AutomationRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "automation_runs_total",
			Help:      "Automation runs by final status",
		}, []string{"status"}),
		AutomationRejects: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "automation_rejections_total",
			Help:      "Automation triggers rejected before running, by reason",
		}, []string{"reason"}),
		WebhookEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_events_total",
			Help:      "Provider webhook events by provider and processing status",
		}, []string{"provider", "status"}),
		CampaignSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "campaign_recipients_sent_total",
			Help:      "Total number of campaign recipients sent",
		}),
		CampaignFailed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "campaign_recipients_failed_total",
			Help:      "Total number of campaign recipients that failed",
		}),
		SchedulerRunning: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "scheduler_running",
			Help:      "Whether a background scheduler is running (1) or stopped (0)",
		}, []string{"job"}),
	}
}
