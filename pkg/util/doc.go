// Package util provides small generic data structures shared across the
// engine, currently the set type used for step and socket bookkeeping
package util
