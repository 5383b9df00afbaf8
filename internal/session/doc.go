// Package session
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Session registry for forwarding sessions. Each Session maps a call key to
// the producer handles of its channels, its cancellation signal, its pause
// flag and the task running its connection.
//
// The realtime tap owns a session; command callers only resolve it through
// the Registry. Teardown removes the key and keeps a tombstone for the grace
// window before the session's buffers are reclaimed.

package session
