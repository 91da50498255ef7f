package ipc

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the per-core transport counters. Each core owns its registry so several
// cores can run in one process.
type Metrics struct {
	registry *prometheus.Registry

	Sent          *prometheus.CounterVec
	Received      *prometheus.CounterVec
	Acks          prometheus.Counter
	LateAcks      prometheus.Counter
	Busy          prometheus.Counter
	Timeouts      prometheus.Counter
	Restarts      prometheus.Counter
	RemoteErrors  prometheus.Counter
	Malformed     prometheus.Counter
	UnknownEvents prometheus.Counter
	Discards      prometheus.Counter
	Released      prometheus.Counter
	Superseded    prometheus.Counter
	LateReplies   prometheus.Counter
	InlineRuns    *prometheus.CounterVec
	InlineOverrun *prometheus.CounterVec
	Demotions     *prometheus.CounterVec
	Interrupts    *prometheus.CounterVec
}

func newMetrics(core string, inUse func() float64) *Metrics {
	labels := prometheus.Labels{"core": core}
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "xmbox", Name: name, Help: help, ConstLabels: labels,
		})
	}
	vec := func(name, help string, label string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "xmbox", Name: name, Help: help, ConstLabels: labels,
		}, []string{label})
	}

	m := &Metrics{
		registry:      prometheus.NewRegistry(),
		Sent:          vec("messages_sent_total", "Frames triggered, by mode.", "mode"),
		Received:      vec("messages_received_total", "Frames delivered to this core, by mode.", "mode"),
		Acks:          counter("acks_total", "Acknowledgments observed."),
		LateAcks:      counter("late_acks_total", "Acknowledgments for mailboxes no longer waited on."),
		Busy:          counter("busy_total", "Sends rejected for lack of a free mailbox."),
		Timeouts:      counter("timeouts_total", "Waits that expired without acknowledgment."),
		Restarts:      counter("restarts_total", "Waits resumed after an interruption."),
		RemoteErrors:  counter("remote_errors_total", "Replies carrying the error flag."),
		Malformed:     counter("malformed_total", "Inbound frames rejected as malformed."),
		UnknownEvents: counter("unknown_events_total", "Hardware events that were neither delivery nor ack."),
		Discards:      counter("queue_discards_total", "Queue frames acknowledged and dropped."),
		Released:      counter("released_total", "Mailbox sides force-released on client exit."),
		Superseded:    counter("superseded_total", "Unanswered deliveries replaced by a new frame on the same slot."),
		LateReplies:   counter("late_replies_total", "Replies dropped because the sender had already released the mailbox."),
		InlineRuns:    vec("inline_runs_total", "High-priority handler runs in the interrupt loop, by channel.", "channel"),
		InlineOverrun: vec("inline_overruns_total", "Inline runs over the budget, by channel.", "channel"),
		Demotions:     vec("inline_demotions_total", "Inline deliveries sent to the deferred context, by channel.", "channel"),
		Interrupts:    vec("interrupts_total", "Interrupt loop wakeups, by instance.", "instance"),
	}

	m.registry.MustRegister(
		m.Sent, m.Received, m.Acks, m.LateAcks, m.Busy, m.Timeouts, m.Restarts,
		m.RemoteErrors, m.Malformed, m.UnknownEvents, m.Discards, m.Released, m.Superseded, m.LateReplies,
		m.InlineRuns, m.InlineOverrun, m.Demotions, m.Interrupts,
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "xmbox", Name: "mailboxes_in_use", Help: "Mailboxes with either side held.",
			ConstLabels: labels,
		}, inUse),
	)
	return m
}

// Registry exposes the core's collectors for scraping.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
