package cache

import "fmt"

// namespace prefixes every key so the portal can share a Redis database.
const namespace = "approvalhub"

// ERPQueryKey caches one tenant's share of an aggregate query.
func ERPQueryKey(tenantCode, queryHash string) string {
	return fmt.Sprintf("%s:erp:%s:query:%s", namespace, tenantCode, queryHash)
}

// ERPQueryPattern matches every cached query of a tenant.
func ERPQueryPattern(tenantCode string) string {
	return fmt.Sprintf("%s:erp:%s:query:*", namespace, tenantCode)
}

// RateLimitKey counts requests made with one API key.
func RateLimitKey(keyPrefix string) string {
	return fmt.Sprintf("%s:ratelimit:%s", namespace, keyPrefix)
}
