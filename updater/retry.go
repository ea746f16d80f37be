package updater

import (
	"github.com/affggh/otaupdate/bootmsg"
	"github.com/affggh/otaupdate/errs"
)

// FaultClass categorizes a failure by its reboot-retry eligibility.
// The string forms (VERIFY_FAILED_REBOOT, IO_FAILED_REBOOT,
// BLOCK_UPDATE_FAILED_REBOOT) are the fault tokens recorded in logs;
// every named class is reboot-and-retry eligible, everything else is
// fatal.
type FaultClass int

const (
	FaultNone FaultClass = iota
	FaultVerify
	FaultIO
	FaultBlockUpdate
	FaultFatal
)

func (f FaultClass) String() string {
	switch f {
	case FaultVerify:
		return "VERIFY_FAILED_REBOOT"
	case FaultIO:
		return "IO_FAILED_REBOOT"
	case FaultBlockUpdate:
		return "BLOCK_UPDATE_FAILED_REBOOT"
	case FaultFatal:
		return "FATAL"
	default:
		return "NONE"
	}
}

// Classify maps a tagged error to its retry class.
func Classify(err error) FaultClass {
	switch {
	case err == nil:
		return FaultNone
	case errs.Of(err, errs.VerifyFailed), errs.Of(err, errs.HashMismatch),
		errs.Of(err, errs.CertParseError), errs.Of(err, errs.UnknownAlgorithm):
		return FaultVerify
	case errs.Of(err, errs.IOError), errs.Of(err, errs.MiscUnavailable):
		return FaultIO
	case errs.Of(err, errs.BadPatch), errs.Of(err, errs.StashMissing),
		errs.Of(err, errs.InvalidRange):
		return FaultBlockUpdate
	default:
		return FaultFatal
	}
}

// Retryable reports whether class warrants a reboot-retry rather than
// an immediate, permanent failure.
func (f FaultClass) Retryable() bool {
	return f == FaultVerify || f == FaultIO || f == FaultBlockUpdate
}

// NextRetry decides whether another reboot-retry attempt is allowed
// given the retry count already recorded in the boot message, and
// returns the retry_count value to persist if so.
func NextRetry(class FaultClass, currentRetryCount int) (count int, retry bool) {
	if !class.Retryable() {
		return currentRetryCount, false
	}
	if currentRetryCount >= bootmsg.MaxRetryCount {
		return currentRetryCount, false
	}
	return currentRetryCount + 1, true
}
