/*
Maddy Mail Server - Composable all-in-one email server.
Copyright © 2019-2020 Mail Append contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Package metrics holds the prometheus collectors shared across the append
// core.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Collectors bundles the counters a session reports into. Callers register
// it once with a prometheus.Registerer and pass it into session.Config.
type Collectors struct {
	MessagesAppended prometheus.Counter
	MessagesCopied   prometheus.Counter
	CalloutFailures  prometheus.Counter
	CalloutTimeouts  prometheus.Counter
	QuotaRejections  prometheus.Counter
	SessionsAborted  prometheus.Counter
}

// New constructs a Collectors set without registering it.
func New() *Collectors {
	return &Collectors{
		MessagesAppended: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mailappend",
			Name:      "messages_appended_total",
			Help:      "Index records successfully appended via from_stream or from_stage.",
		}),
		MessagesCopied: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mailappend",
			Name:      "messages_copied_total",
			Help:      "Index records successfully copied between mailboxes.",
		}),
		CalloutFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mailappend",
			Name:      "callout_failures_total",
			Help:      "Annotator callout invocations that returned an error (suppressed, never fatal).",
		}),
		CalloutTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mailappend",
			Name:      "callout_timeouts_total",
			Help:      "Annotator callout invocations that hit the 10s first-byte deadline.",
		}),
		QuotaRejections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mailappend",
			Name:      "quota_rejections_total",
			Help:      "Append sessions rejected at setup/check for insufficient quota.",
		}),
		SessionsAborted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mailappend",
			Name:      "sessions_aborted_total",
			Help:      "Append sessions that ended via Abort rather than Commit.",
		}),
	}
}

// MustRegister registers every collector with reg, panicking on duplicate
// registration exactly as prometheus.MustRegister does.
func (c *Collectors) MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(
		c.MessagesAppended,
		c.MessagesCopied,
		c.CalloutFailures,
		c.CalloutTimeouts,
		c.QuotaRejections,
		c.SessionsAborted,
	)
}
