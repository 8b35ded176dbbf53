// Package errclass maps mailbox connection and protocol errors onto the
// retry taxonomy used by the sync engine. Matching is heuristic, so the
// rules live here and nowhere else.
package errclass

import (
	"errors"
	"net"
	"strings"
	"syscall"
)

// Class is the retry category of an error.
type Class int

const (
	// Unknown errors matched neither set. They are retried like transient
	// errors but logged separately.
	Unknown Class = iota

	// Transient errors are network-level blips worth retrying.
	Transient

	// Permanent errors cannot be fixed by retrying (bad credentials,
	// unresolvable host).
	Permanent
)

// String returns the lower-case class name used in logs and metrics.
func (c Class) String() string {
	switch c {
	case Transient:
		return "transient"
	case Permanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// Retryable reports whether an error of this class may be retried.
func (c Class) Retryable() bool {
	return c != Permanent
}

// DefaultPermanent lists substrings of errors that retrying cannot fix.
var DefaultPermanent = []string{
	"authenticationfailed",
	"authentication failed",
	"authorizationfailed",
	"invalid credentials",
	"invalid login",
	"login failed",
	"auth error",
	"enotfound",
	"no such host",
}

// DefaultTransient lists substrings of errors worth retrying.
var DefaultTransient = []string{
	"econnreset",
	"connection reset",
	"etimedout",
	"timed out",
	"timeout",
	"enetunreach",
	"network is unreachable",
	"econnrefused",
	"connection refused",
	"eai_again",
	"temporary failure in name resolution",
	"broken pipe",
	"unexpected eof",
	"use of closed network connection",
}

// transientErrnos are socket error codes matched by value rather than by
// message text.
var transientErrnos = []syscall.Errno{
	syscall.ECONNRESET,
	syscall.ECONNREFUSED,
	syscall.ECONNABORTED,
	syscall.ETIMEDOUT,
	syscall.ENETUNREACH,
	syscall.EHOSTUNREACH,
	syscall.EPIPE,
}

// Config holds the two substring sets. Matching is case-insensitive.
type Config struct {
	Permanent []string
	Transient []string
}

// DefaultConfig returns the built-in substring sets.
func DefaultConfig() Config {
	return Config{
		Permanent: append([]string(nil), DefaultPermanent...),
		Transient: append([]string(nil), DefaultTransient...),
	}
}

// Classifier classifies errors against a fixed configuration. The zero
// value is not usable; construct with New.
type Classifier struct {
	permanent []string
	transient []string
}

// New builds a Classifier. Empty sets in cfg fall back to the defaults.
func New(cfg Config) *Classifier {
	if len(cfg.Permanent) == 0 {
		cfg.Permanent = DefaultPermanent
	}
	if len(cfg.Transient) == 0 {
		cfg.Transient = DefaultTransient
	}
	return &Classifier{
		permanent: lowerAll(cfg.Permanent),
		transient: lowerAll(cfg.Transient),
	}
}

// Classify returns the class of err. A nil error is Unknown.
func (c *Classifier) Classify(err error) Class {
	if err == nil {
		return Unknown
	}

	// Typed checks first: they are exact where strings are fuzzy.
	var permErr interface{ Permanent() bool }
	if errors.As(err, &permErr) && permErr.Permanent() {
		return Permanent
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		if dnsErr.IsNotFound {
			return Permanent
		}
		return Transient
	}

	for _, errno := range transientErrnos {
		if errors.Is(err, errno) {
			return Transient
		}
	}

	msg := strings.ToLower(err.Error())
	if containsAny(msg, c.permanent) {
		return Permanent
	}
	if containsAny(msg, c.transient) {
		return Transient
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Transient
	}

	return Unknown
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if sub != "" && strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func lowerAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		out = append(out, strings.ToLower(strings.TrimSpace(s)))
	}
	return out
}
