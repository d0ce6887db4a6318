// Package policy provides the stock pipeline policies: retry with backoff,
// request ids, static headers, logging, Prometheus metrics and per-attempt
// timeouts.
//
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
package policy
