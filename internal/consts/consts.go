package consts

import (
	"os"
	"path/filepath"
)

const (
	RoutinelyDirName = ".routinely"
	ConfigFileName   = "config.yaml"
	DatabaseFileName = "routinely.db"

	// DefaultSession is the conversation jobs and messages belong to when no
	// explicit session is in play.
	DefaultSession = "default"
)

func RoutinelyHomeDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, RoutinelyDirName)
}

func DefaultConfigPath() string {
	return filepath.Join(RoutinelyHomeDir(), ConfigFileName)
}

func DefaultDatabasePath() string {
	return filepath.Join(RoutinelyHomeDir(), DatabaseFileName)
}
