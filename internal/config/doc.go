// Package config provides the configuration model for the edge gateway.
//
// Configuration is a single YAML document. Values may reference the
// environment with ${VAR} or ${VAR:-default}; "$$" escapes a literal
// dollar sign. LoadConfig applies defaults and ValidateConfig rejects
// documents that would weaken the gateway, such as a CORS allow-list
// containing "*" or "null".
//
// A Watcher reloads the file on change and hands validated
// configurations to a callback. Invalid edits are logged and the last
// good configuration stays in effect.
package config
