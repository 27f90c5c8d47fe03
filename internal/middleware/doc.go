// Package middleware holds the task observers a spider can stack on its dispatcher:
// domain checks, duplicate filtering, per-domain rate limiting, counters, lifecycle
// logging and dead-lettering of failed tasks.
package middleware
