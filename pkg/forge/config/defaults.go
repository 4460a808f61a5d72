// Package config provides configuration management for forgevisor.
package config

import "time"

// Default configuration values for forgevisor.
const (
	// DefaultPTYCols is the width of the pseudo-terminal the server runs in.
	DefaultPTYCols = 512

	// DefaultPTYRows is the height of the pseudo-terminal.
	DefaultPTYRows = 50

	// DefaultConsoleLog is the console log path, relative to the server directory.
	DefaultConsoleLog = "logs/forgevisor-console.log"

	// DefaultManifestName is the mod manifest file name inside the server directory.
	DefaultManifestName = "mods.json"

	// DefaultModsDir is the mod directory name inside the server directory.
	DefaultModsDir = "mods"

	// DefaultHashWorkers is the number of files hashed concurrently during a scan.
	DefaultHashWorkers = 4

	// DefaultDebounce is how long the mod watcher waits for the directory to settle.
	DefaultDebounce = 2 * time.Second

	// DefaultListen is the operator API listen address.
	DefaultListen = "127.0.0.1:8765"
)

// DefaultCommand is the server command line used when none is configured.
var DefaultCommand = []string{"java", "-Xmx4G", "-jar", "server.jar", "nogui"}

// DefaultWebhookEvents lists every event a webhook may subscribe to.
var DefaultWebhookEvents = []string{
	"status",
	"console",
	"modAddition",
	"modUpdate",
	"modDeletion",
	"versionChange",
}
