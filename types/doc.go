// Package types provides core types shared across the lorekeeper gateway.
// This package has ZERO dependencies on other lorekeeper packages to avoid
// circular imports. All other packages import their wire-neutral types from
// here.
package types
