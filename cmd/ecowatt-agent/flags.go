package main

import "gopkg.in/urfave/cli.v1"

var (
	configFileFlag = cli.StringFlag{
		Name:  "config",
		Usage: "TOML configuration file",
	}
	storeDirFlag = cli.StringFlag{
		Name:  "store-dir",
		Usage: "directory for the persisted leveldb store (empty uses an in-memory store)",
	}
	deviceIDFlag = cli.StringFlag{
		Name:  "device-id",
		Usage: "device id used in backend URLs and diagnostics",
	}
	firmwareVersionFlag = cli.StringFlag{
		Name:  "firmware-version",
		Usage: "current firmware version string sent to the OTA check endpoint",
	}
	gatewayURLFlag = cli.StringFlag{
		Name:  "gateway-url",
		Usage: "inverter gateway base URL",
	}
	gatewayAPIKeyFlag = cli.StringFlag{
		Name:  "gateway-api-key",
		Usage: "API key sent in the gateway Authorization header",
	}
	backendURLFlag = cli.StringFlag{
		Name:  "backend-url",
		Usage: "cloud backend base URL",
	}
	pskFlag = cli.StringFlag{
		Name:  "psk",
		Usage: "hex-encoded pre-shared secret, HKDF-derived into PSK_HMAC/PSK_AES/IV",
	}
	logLevelFlag = cli.StringFlag{
		Name:  "log-level",
		Usage: "Debug, Info, Warn, Error, Success",
		Value: "Info",
	}

	appFlags = []cli.Flag{
		configFileFlag,
		storeDirFlag,
		deviceIDFlag,
		firmwareVersionFlag,
		gatewayURLFlag,
		gatewayAPIKeyFlag,
		backendURLFlag,
		pskFlag,
		logLevelFlag,
	}
)
