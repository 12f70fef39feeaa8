// Package internal holds token generation and digest derivation shared by the
// root package and its stores. Nothing here is part of the public API.
package internal
