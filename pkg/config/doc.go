// Package config overlays a signed, read-only system settings layer
// with a mutable user layer, reloaded on fsnotify write events.
package config
