// Package api defines the core data types for the workflow engine
//
// This package contains all the shared types used across the coordinator and
// workers, including playbook definitions, events, commands, task outcomes,
// and HTTP messages
package api
