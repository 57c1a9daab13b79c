package media

import (
	"errors"
	"fmt"
)

// Acquisition failures classify into exactly one of these. All are
// recoverable by retry after user action.
var (
	ErrPermissionDenied = errors.New("media: device permission denied")
	ErrDeviceNotFound   = errors.New("media: capture device not found")
	ErrDeviceBusy       = errors.New("media: capture device busy")
	ErrDeviceUnknown    = errors.New("media: device acquisition failed")

	// ErrReleased is returned when operating on a released pipeline.
	ErrReleased = errors.New("media: pipeline released")
)

// Classify wraps an acquisition error so it matches exactly one failure
// class; anything unrecognized becomes ErrDeviceUnknown.
func Classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrPermissionDenied),
		errors.Is(err, ErrDeviceNotFound),
		errors.Is(err, ErrDeviceBusy):
		return err
	default:
		return fmt.Errorf("%w: %v", ErrDeviceUnknown, err)
	}
}

// userMessages maps locale -> failure class -> user-facing text.
var userMessages = map[string]map[error]string{
	"en": {
		ErrPermissionDenied: "Camera or microphone access was denied. Allow access and try again.",
		ErrDeviceNotFound:   "No camera or microphone was found on this device.",
		ErrDeviceBusy:       "Your camera or microphone is in use by another application.",
		ErrDeviceUnknown:    "Could not start your camera or microphone. Please try again.",
	},
	"es": {
		ErrPermissionDenied: "Se denegó el acceso a la cámara o al micrófono. Permite el acceso e inténtalo de nuevo.",
		ErrDeviceNotFound:   "No se encontró ninguna cámara ni micrófono en este dispositivo.",
		ErrDeviceBusy:       "Otra aplicación está usando tu cámara o micrófono.",
		ErrDeviceUnknown:    "No se pudo iniciar la cámara o el micrófono. Inténtalo de nuevo.",
	},
	"pt": {
		ErrPermissionDenied: "O acesso à câmera ou ao microfone foi negado. Permita o acesso e tente novamente.",
		ErrDeviceNotFound:   "Nenhuma câmera ou microfone foi encontrado neste dispositivo.",
		ErrDeviceBusy:       "Sua câmera ou microfone está em uso por outro aplicativo.",
		ErrDeviceUnknown:    "Não foi possível iniciar sua câmera ou microfone. Tente novamente.",
	},
}

// UserMessage returns the localized user-facing message for a classified
// device error. Unknown locales fall back to English.
func UserMessage(err error, locale string) string {
	msgs, ok := userMessages[locale]
	if !ok {
		msgs = userMessages["en"]
	}
	for class, msg := range msgs {
		if errors.Is(err, class) {
			return msg
		}
	}
	return msgs[ErrDeviceUnknown]
}
