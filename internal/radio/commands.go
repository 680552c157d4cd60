package radio

// Modem command/reply vocabulary (spec §6). All lines are ASCII,
// CR/LF-terminated, case-sensitive.
const (
	cmdEnterListen = "radio rx 0"
	cmdExitListen  = "radio rxstop"
	cmdTransmit    = "radio tx "

	replyOK           = "ok"
	replyErr          = "radio_err"
	replyInvalidParam = "invalid_param"
	replyTxOK         = "radio_tx_ok"
	asyncRxPrefix     = "radio_rx "
)

// initProbeCommand is intentionally not a recognized command; its only
// purpose is to flush the modem's command parser into a known state before
// init replay begins (spec §4.2 "Initialisation").
const initProbeCommand = "radio get xyzzy"

// DefaultInitCommands is the built-in ordered command list replayed at
// startup when no radiocfg override file is configured (spec §6).
var DefaultInitCommands = []string{
	"sys get ver",
	"mac reset",
	"mac pause",
	"radio get mod",
	"radio get freq",
	"radio get pwr",
	"radio get sf",
	"radio get bw",
	"radio get cr",
	"radio get wdt",
	"radio set pwr 20",
	"radio set sf sf12",
	"radio set bw 125",
	"radio set cr 4/5",
	"radio set wdt 60000",
}
