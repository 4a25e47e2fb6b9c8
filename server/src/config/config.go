package config

import (
	"time"

	"github.com/alecthomas/kong"
)

const (
	rdmGlobalPath  = "/etc/rdm-server.json"
	rdmLocalPath   = "~/.config/rdm-server.json"
	rdmProjectPath = "./rdm-server.json"
)

type CLI struct {
	Config            kong.ConfigFlag `name:"config" env:"RDM_CONFIG" help:"path to a custom config file" json:"config"`
	Host              string          `name:"host" default:"" env:"RDM_HOST" help:"host name (e.g. 0.0.0.0). If left empty (= ''), listens on all IPs of the machine" json:"host"`
	Port              uint16          `name:"port" default:"8765" env:"RDM_PORT" help:"port (range from 0 to 65535) to listen on" json:"port"`
	Cert              string          `name:"cert" default:"" env:"RDM_CERT" help:"path to TLS certificate file. If none is given, plain TCP is used" json:"cert"`
	Key               string          `name:"key" default:"" env:"RDM_KEY" help:"path to TLS key corresponding to the TLS certificate. If none is given, plain TCP is used" json:"key"`
	UploadDir         string          `name:"uploaddir" default:"./uploads" env:"RDM_UPLOAD_DIR" help:"directory where uploaded clips are stored per room" json:"uploaddir"`
	MaxFileSizeMB     int64           `name:"maxfilesizemb" default:"500" env:"RDM_MAX_FILE_SIZE_MB" help:"upload size cap per clip in MiB" json:"maxfilesizemb"`
	RoomExpirySeconds uint64          `name:"roomexpiryseconds" default:"14400" env:"RDM_ROOM_EXPIRY_SECONDS" help:"seconds of inactivity after which a room is reaped" json:"roomexpiryseconds"`
	CleanupSeconds    uint64          `name:"cleanupseconds" default:"300" env:"RDM_CLEANUP_SECONDS" help:"interval in seconds between expiry sweeps" json:"cleanupseconds"`
	Debug             bool            `name:"debug" env:"RDM_DEBUG" help:"whether to log debugging entries" json:"debug"`
}

// Parses command arguments, environment variables and config file in case one is given.
// Order of precedence is: environment variables < config file < command arguments
func ParseCommandArgs() CLI {
	var cli CLI
	kong.Parse(&cli,
		kong.Name("rdm server"),
		kong.Description("Run the watch-together server for the random clip player"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
			Summary: false,
		}),
		kong.Configuration(kong.JSON, rdmGlobalPath, rdmLocalPath, rdmProjectPath),
	)

	return cli
}

func (cli CLI) MaxFileSizeBytes() int64 {
	return cli.MaxFileSizeMB * 1024 * 1024
}

func (cli CLI) RoomExpiry() time.Duration {
	return time.Duration(cli.RoomExpirySeconds) * time.Second
}

func (cli CLI) CleanupInterval() time.Duration {
	return time.Duration(cli.CleanupSeconds) * time.Second
}
