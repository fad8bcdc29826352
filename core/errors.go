package core

import "sync"

// ErrorReporter collects playback errors for display.
type ErrorReporter interface {
	ReportError(err error)
}

// ErrorReporterFunc adapts a function to ErrorReporter.
type ErrorReporterFunc func(err error)

// ReportError implements ErrorReporter.
func (f ErrorReporterFunc) ReportError(err error) {
	if f != nil && err != nil {
		f(err)
	}
}

// ErrorList keeps distinct error messages in arrival order.
type ErrorList struct {
	mu       sync.Mutex
	messages []string
	onAdd    func(msg string)
}

// NewErrorList returns an empty list. onAdd, if set, sees each new message.
func NewErrorList(onAdd func(msg string)) *ErrorList {
	return &ErrorList{onAdd: onAdd}
}

// ReportError implements ErrorReporter. Repeated messages are kept once.
func (l *ErrorList) ReportError(err error) {
	if err == nil {
		return
	}
	l.Add(err.Error())
}

// Add records msg unless it is already listed.
func (l *ErrorList) Add(msg string) {
	l.mu.Lock()
	for _, existing := range l.messages {
		if existing == msg {
			l.mu.Unlock()
			return
		}
	}
	l.messages = append(l.messages, msg)
	onAdd := l.onAdd
	l.mu.Unlock()
	if onAdd != nil {
		onAdd(msg)
	}
}

// Messages returns a copy of the recorded messages.
func (l *ErrorList) Messages() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.messages...)
}

// Clear drops all messages.
func (l *ErrorList) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.messages = nil
}
