package response

// ErrCode is a typed error code enum for consistent API error identification.
type ErrCode string

const (
	// ─── Authentication ────────────────────────────────────────────────
	ErrInvalidCredentials ErrCode = "INVALID_CREDENTIALS"
	ErrSessionActive      ErrCode = "SESSION_ALREADY_ACTIVE"
	ErrSessionInvalidated ErrCode = "SESSION_INVALIDATED"
	ErrTokenRequired      ErrCode = "TOKEN_REQUIRED"
	ErrTokenInvalid       ErrCode = "TOKEN_INVALID"
	ErrTokenExpired       ErrCode = "TOKEN_EXPIRED"

	// ─── Authorization ─────────────────────────────────────────────────
	ErrForbidden         ErrCode = "FORBIDDEN"
	ErrPermissionDenied  ErrCode = "PERMISSION_DENIED"
	ErrStudentAccessOnly ErrCode = "STUDENT_ACCESS_ONLY"
	ErrAdminAccessOnly   ErrCode = "ADMIN_ACCESS_ONLY"

	// ─── Validation ────────────────────────────────────────────────────
	ErrValidation     ErrCode = "VALIDATION_ERROR"
	ErrInvalidID      ErrCode = "INVALID_ID"
	ErrInvalidPayload ErrCode = "INVALID_PAYLOAD"

	// ─── Resources ─────────────────────────────────────────────────────
	ErrNotFound        ErrCode = "NOT_FOUND"
	ErrConflict        ErrCode = "CONFLICT"
	ErrActionForbidden ErrCode = "ACTION_FORBIDDEN"

	// ─── Exam session ──────────────────────────────────────────────────
	ErrExamNotFound          ErrCode = "EXAM_NOT_FOUND"
	ErrExamNotAssigned       ErrCode = "EXAM_NOT_ASSIGNED"
	ErrTooEarly              ErrCode = "TOO_EARLY"
	ErrTooLate               ErrCode = "TOO_LATE"
	ErrAlreadySubmitted      ErrCode = "ALREADY_SUBMITTED"
	ErrNotInProgress         ErrCode = "NOT_IN_PROGRESS"
	ErrSessionNotStarted     ErrCode = "SESSION_NOT_STARTED"
	ErrSessionNotFound       ErrCode = "SESSION_NOT_FOUND"
	ErrDurationExceeded      ErrCode = "DURATION_EXCEEDED"
	ErrInsufficientQuestions ErrCode = "INSUFFICIENT_QUESTIONS"
	ErrExamNotEditable       ErrCode = "EXAM_NOT_EDITABLE"
	ErrResultNotReady        ErrCode = "RESULT_NOT_READY"
	ErrNoProgress            ErrCode = "NO_PROGRESS"

	// ─── Rate Limiting ─────────────────────────────────────────────────
	ErrRateLimitExceeded ErrCode = "RATE_LIMIT_EXCEEDED"

	// ─── Server ────────────────────────────────────────────────────────
	ErrInternal ErrCode = "INTERNAL_ERROR"
)

// GetMessage returns a human-readable message for a given error code.
func GetMessage(code ErrCode) string {
	switch code {
	// ─── Authentication ────────────────────────────────────────────────
	case ErrInvalidCredentials:
		return "Incorrect roll number, email or password."
	case ErrSessionActive:
		return "You are already logged in on another device."
	case ErrSessionInvalidated:
		return "Your session has ended. Please log in again."
	case ErrTokenRequired:
		return "Authentication token is required."
	case ErrTokenInvalid:
		return "Authentication token is invalid."
	case ErrTokenExpired:
		return "Authentication token has expired."

	// ─── Authorization ─────────────────────────────────────────────────
	case ErrForbidden:
		return "You do not have access to this resource."
	case ErrPermissionDenied:
		return "Permission denied."
	case ErrStudentAccessOnly:
		return "This resource is restricted to students."
	case ErrAdminAccessOnly:
		return "This resource is restricted to administrators."

	// ─── Validation ────────────────────────────────────────────────────
	case ErrValidation:
		return "Validation failed. Please check your input."
	case ErrInvalidID:
		return "Invalid ID format."
	case ErrInvalidPayload:
		return "Invalid request payload."

	// ─── Resources ─────────────────────────────────────────────────────
	case ErrNotFound:
		return "Resource not found."
	case ErrConflict:
		return "Resource already exists."
	case ErrActionForbidden:
		return "This action is not allowed."

	// ─── Exam session ──────────────────────────────────────────────────
	case ErrExamNotFound:
		return "Exam not found."
	case ErrExamNotAssigned:
		return "This exam is not assigned to you."
	case ErrTooEarly:
		return "The exam has not opened yet."
	case ErrTooLate:
		return "The exam window has closed."
	case ErrAlreadySubmitted:
		return "You have already submitted this exam."
	case ErrNotInProgress:
		return "This exam session is not in progress."
	case ErrSessionNotStarted:
		return "You have not started this exam."
	case ErrSessionNotFound:
		return "No exam session found."
	case ErrDurationExceeded:
		return "The exam time is over. Your answers are being submitted automatically."
	case ErrInsufficientQuestions:
		return "The exam cannot be prepared right now. Please contact an administrator."
	case ErrExamNotEditable:
		return "This exam can no longer be changed."
	case ErrResultNotReady:
		return "This exam has not been submitted yet."
	case ErrNoProgress:
		return "No saved progress for this exam."

	// ─── Rate Limiting ─────────────────────────────────────────────────
	case ErrRateLimitExceeded:
		return "Too many requests. Please try again later."

	// ─── Server ────────────────────────────────────────────────────────
	case ErrInternal:
		return "Internal server error."
	default:
		return "An unexpected error occurred."
	}
}
