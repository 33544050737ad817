/*
Package types provides the shared type contracts for the gateway.

It is the lowest-level package in the module and depends on nothing
internal, so every other package can use it without import cycles.

The core of the package is the structured error taxonomy:

  - Error / ErrorCode: structured errors with Retryable, Provider and
    Model markers plus a wrapped Cause
  - IsRetryable / GetErrorCode: classification helpers used by the retry
    executor and the rate limiter

Callers receive a typed *Error from every gateway failure path, letting
them distinguish "try again later" (RATE_LIMITED, PROVIDER_TIMEOUT) from
"will never succeed without intervention" (QUOTA_EXCEEDED,
FATAL_CONFIGURATION).
*/
package types
