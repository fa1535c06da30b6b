package attachment

// Intent targets understood by the presentation shell's router.
const (
	TargetImageViewer = "image-viewer"
	TargetVoicePlayer = "voice-player"
)

// Intent is a navigation request emitted to the presentation shell.
// The core never renders viewers itself.
type Intent struct {
	Target    string
	URL       string
	IsPreview bool
}

// PreviewIntent routes a staged draft to the matching viewer before
// the durable reference exists.
func PreviewIntent(d *Draft) Intent {
	return Intent{
		Target:    targetFor(d.Kind),
		URL:       d.PreviewURL(),
		IsPreview: true,
	}
}

// ViewIntent routes a stored attachment to the matching viewer.
func ViewIntent(ref Ref) Intent {
	return Intent{
		Target: targetFor(ref.Kind),
		URL:    ref.URL,
	}
}

func targetFor(kind Kind) string {
	if kind == KindVoice {
		return TargetVoicePlayer
	}
	return TargetImageViewer
}
