// Package rpdispatch provides an HTTP client adapter for a test-reporting service.
// It forwards reporting requests to the service's project API, recreates the connection
// after transport failures and retries rejected submissions, correcting child start times
// the service reports as earlier than their parent.
package rpdispatch
