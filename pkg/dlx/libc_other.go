//go:build !linux

package dlx

// LibcVariant is only meaningful on Linux; elsewhere the distinction
// does not apply.
func LibcVariant() string {
	return ""
}
