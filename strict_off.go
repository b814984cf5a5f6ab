//go:build !hostbridge_strict

package hostbridge

// strictDefault is the default for [WithEscapeVerification].
const strictDefault = false
