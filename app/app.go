package app

const (
	Name    = "authflow"
	Version = "0.4.2"

	LogFileName = "authflow.log"

	// Files kept in the data directory. They are shared by every process that uses the same data
	// directory, which is how separate windows of the shell observe each other.
	SessionFileName     = "session.json"
	ChannelFileName     = "connection.json"
	PendingAuthFile     = "auth_pending.json"
	CalendarPendingFile = "calendar_pending.json"
	DeviceIDFileName    = ".deviceid"
	DefaultConfigFile   = "authflow.yaml"
)
