package browserq

import "strings"

// Normalize checks a payload against its job type and returns the copy the
// queue will store. Unknown types and malformed payloads are rejected here,
// before anything reaches a worker.
func Normalize(p Payload) (Payload, error) {
	p.Type = JobType(strings.TrimSpace(string(p.Type)))
	if !p.Type.Valid() {
		return p, kindError(ErrUnknownJobType, "%q", p.Type)
	}
	if p.Delay < 0 || p.Timeout < 0 {
		return p, kindError(ErrInvalidPayload, "delay and timeout must not be negative")
	}

	switch p.Type {
	case JobNavigate:
		if p.URL == "" {
			return p, kindError(ErrInvalidPayload, "navigate requires url")
		}
	case JobClick:
		if p.Selector == "" {
			return p, kindError(ErrInvalidPayload, "click requires selector")
		}
	case JobTypeText:
		if p.Selector == "" {
			return p, kindError(ErrInvalidPayload, "type requires selector")
		}
	case JobWait:
		return normalizeWait(p)
	case JobUpload:
		return normalizeUpload(p)
	case JobFillFormAuto:
		return normalizeForm(p)
	}
	return p, nil
}

func normalizeWait(p Payload) (Payload, error) {
	if p.WaitType == "" {
		switch {
		case p.Selector != "":
			p.WaitType = WaitSelector
		case p.Text != "":
			p.WaitType = WaitText
		default:
			p.WaitType = WaitTimeout
		}
	}
	switch p.WaitType {
	case WaitSelector:
		if p.Selector == "" {
			return p, kindError(ErrInvalidPayload, "wait for selector requires selector")
		}
	case WaitText:
		if p.Text == "" {
			return p, kindError(ErrInvalidPayload, "wait for text requires text")
		}
	case WaitTimeout:
		if p.Timeout <= 0 {
			return p, kindError(ErrInvalidPayload, "wait for timeout requires a positive timeout")
		}
	case WaitNetworkIdle:
	default:
		return p, kindError(ErrInvalidPayload, "unknown waitType %q", p.WaitType)
	}
	return p, nil
}

func normalizeUpload(p Payload) (Payload, error) {
	if p.Selector == "" {
		return p, kindError(ErrInvalidPayload, "upload requires selector")
	}
	switch p.FileSource {
	case SourceS3:
		if p.FileKey == "" {
			return p, kindError(ErrInvalidPayload, "s3 upload requires fileKey")
		}
	case SourceURL:
		if p.FileURL == "" {
			return p, kindError(ErrInvalidPayload, "url upload requires fileUrl")
		}
	case SourceLocal:
		if p.FilePath == "" {
			return p, kindError(ErrInvalidPayload, "local upload requires filePath")
		}
	default:
		return p, kindError(ErrInvalidPayload, "unknown fileSource %q", p.FileSource)
	}
	return p, nil
}

// normalizeForm makes the phase explicit. Legacy payloads without a phase
// are inferred from shape, and a payload carrying only half of the fill
// inputs is rejected rather than guessed.
func normalizeForm(p Payload) (Payload, error) {
	if p.URL == "" {
		return p, kindError(ErrInvalidPayload, "fill_form_auto requires url")
	}
	hasStructure := p.FormStructure != nil
	hasMappings := len(p.Mappings) > 0

	if p.Phase == "" {
		switch {
		case hasStructure && hasMappings:
			p.Phase = PhaseFill
		case !hasStructure && !hasMappings:
			p.Phase = PhaseAnalyze
		default:
			return p, kindError(ErrInvalidPayload, "fill_form_auto needs both formStructure and mappings to fill")
		}
	}

	switch p.Phase {
	case PhaseAnalyze:
		if hasMappings {
			return p, kindError(ErrInvalidPayload, "analyze phase does not take mappings")
		}
	case PhaseFill:
		if !hasStructure || !hasMappings {
			return p, kindError(ErrInvalidPayload, "fill phase requires formStructure and mappings")
		}
	default:
		return p, kindError(ErrInvalidPayload, "unknown phase %q", p.Phase)
	}
	return p, nil
}
