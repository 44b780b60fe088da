// Package settings reads controller connection settings from the SQLite
// settings table shared with the web UI.
//
// Values stored in the database take priority over the configuration file;
// missing or empty keys fall back to the configured value. The manager only
// reads the table. Writes come from the web UI, or from Set in tests and
// tooling.
package settings
