package response

// ErrCode is a typed error code enum shared by the exam server and the local bridge.
type ErrCode string

const (
	// ─── Authentication ────────────────────────────────────────────────
	ErrInvalidCredentials ErrCode = "INVALID_CREDENTIALS"
	ErrSessionInvalidated ErrCode = "SESSION_INVALIDATED"
	ErrTokenRequired      ErrCode = "TOKEN_REQUIRED"
	ErrTokenInvalid       ErrCode = "TOKEN_INVALID"
	ErrTokenExpired       ErrCode = "TOKEN_EXPIRED"

	// ─── Authorization ─────────────────────────────────────────────────
	ErrForbidden      ErrCode = "FORBIDDEN"
	ErrDeviceMismatch ErrCode = "DEVICE_MISMATCH"

	// ─── Validation ────────────────────────────────────────────────────
	ErrValidation     ErrCode = "VALIDATION_ERROR"
	ErrInvalidID      ErrCode = "INVALID_ID"
	ErrInvalidPayload ErrCode = "INVALID_PAYLOAD"

	// ─── Resources ─────────────────────────────────────────────────────
	ErrNotFound ErrCode = "NOT_FOUND"
	ErrConflict ErrCode = "CONFLICT"

	// ─── Attempt ───────────────────────────────────────────────────────
	ErrOlympiadNotAvailable  ErrCode = "OLYMPIAD_NOT_AVAILABLE"
	ErrAttemptNotActive      ErrCode = "ATTEMPT_NOT_ACTIVE"
	ErrAttemptExpired        ErrCode = "ATTEMPT_EXPIRED"
	ErrAttemptTerminated     ErrCode = "ATTEMPT_TERMINATED"
	ErrInvalidQuestionIndex  ErrCode = "INVALID_QUESTION_INDEX"
	ErrInvalidQuestionAccess ErrCode = "INVALID_QUESTION_ACCESS"
	ErrInvalidNonce          ErrCode = "INVALID_NONCE"
	ErrSubmissionInFlight    ErrCode = "SUBMISSION_IN_FLIGHT"
	ErrReviewUnavailable     ErrCode = "REVIEW_UNAVAILABLE"

	// ─── Proctoring ────────────────────────────────────────────────────
	ErrProctoringRequired   ErrCode = "PROCTORING_REQUIRED"
	ErrPermissionDenied     ErrCode = "PERMISSION_DENIED"
	ErrInvalidShareTarget   ErrCode = "INVALID_SHARE_TARGET"
	ErrRecordingUnsupported ErrCode = "RECORDING_UNSUPPORTED"

	// ─── Media ─────────────────────────────────────────────────────────
	ErrFileRequired ErrCode = "FILE_REQUIRED"
	ErrFileTooLarge ErrCode = "FILE_TOO_LARGE"

	// ─── Rate Limiting ─────────────────────────────────────────────────
	ErrRateLimitExceeded ErrCode = "RATE_LIMIT_EXCEEDED"

	// ─── Server ────────────────────────────────────────────────────────
	ErrInternal          ErrCode = "INTERNAL_ERROR"
	ErrServerUnreachable ErrCode = "SERVER_UNREACHABLE"
)

// IndexCorrection reports whether the code is one of the server's
// authoritative index-correction answers.
func (c ErrCode) IndexCorrection() bool {
	return c == ErrInvalidQuestionIndex || c == ErrInvalidQuestionAccess
}

// GetMessage returns a human-readable message for a given error code.
func GetMessage(code ErrCode) string {
	switch code {
	// ─── Authentication ────────────────────────────────────────────────
	case ErrInvalidCredentials:
		return "Email/NISN atau kata sandi salah."
	case ErrSessionInvalidated:
		return "Sesi Anda telah berakhir. Silakan login kembali."
	case ErrTokenRequired:
		return "Token autentikasi diperlukan."
	case ErrTokenInvalid:
		return "Token autentikasi tidak valid."
	case ErrTokenExpired:
		return "Token autentikasi telah kedaluwarsa."

	// ─── Authorization ─────────────────────────────────────────────────
	case ErrForbidden:
		return "Anda tidak memiliki izin untuk mengakses sumber daya ini."
	case ErrDeviceMismatch:
		return "Ujian sedang dikerjakan dari perangkat lain."

	// ─── Validation ────────────────────────────────────────────────────
	case ErrValidation:
		return "Validasi gagal. Silakan periksa masukan Anda."
	case ErrInvalidID:
		return "Format ID tidak valid."
	case ErrInvalidPayload:
		return "Payload permintaan tidak valid."

	// ─── Resources ─────────────────────────────────────────────────────
	case ErrNotFound:
		return "Sumber daya tidak ditemukan."
	case ErrConflict:
		return "Sumber daya sudah ada."

	// ─── Attempt ───────────────────────────────────────────────────────
	case ErrOlympiadNotAvailable:
		return "Olimpiade ini saat ini tidak tersedia."
	case ErrAttemptNotActive:
		return "Tidak ada pengerjaan yang sedang berlangsung."
	case ErrAttemptExpired:
		return "Waktu pengerjaan telah habis."
	case ErrAttemptTerminated:
		return "Pengerjaan dihentikan karena pelanggaran."
	case ErrInvalidQuestionIndex:
		return "Nomor soal tidak sesuai dengan posisi Anda."
	case ErrInvalidQuestionAccess:
		return "Soal ini tidak dapat diakses."
	case ErrInvalidNonce:
		return "Token soal sudah tidak berlaku."
	case ErrSubmissionInFlight:
		return "Jawaban sedang dikirim."
	case ErrReviewUnavailable:
		return "Soal ini belum dapat ditinjau."

	// ─── Proctoring ────────────────────────────────────────────────────
	case ErrProctoringRequired:
		return "Kamera dan layar harus aktif dan wajah harus terlihat."
	case ErrPermissionDenied:
		return "Izin kamera atau layar ditolak."
	case ErrInvalidShareTarget:
		return "Bagikan seluruh layar, bukan jendela atau tab."
	case ErrRecordingUnsupported:
		return "Perekaman tidak didukung oleh peramban ini."

	// ─── Media ─────────────────────────────────────────────────────────
	case ErrFileRequired:
		return "Unggah file diperlukan."
	case ErrFileTooLarge:
		return "Ukuran file melebihi batas."

	// ─── Rate Limiting ─────────────────────────────────────────────────
	case ErrRateLimitExceeded:
		return "Terlalu banyak permintaan. Silakan coba lagi nanti."

	// ─── Server ────────────────────────────────────────────────────────
	case ErrInternal:
		return "Terjadi kesalahan server internal."
	case ErrServerUnreachable:
		return "Server ujian tidak dapat dihubungi. Jawaban tetap tersimpan di perangkat ini."
	default:
		return "Terjadi kesalahan yang tidak terduga."
	}
}
