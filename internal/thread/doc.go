// Package thread models a fetched conversation tree and the traversals the
// engine runs over it. Nothing here touches persisted state.
package thread
