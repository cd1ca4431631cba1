/*
Package apihook replaces, for a running Windows process, the implementation
the process uses for a named function exported by a library, by rewriting
table-based dispatch slots.

	h := apihook.New("kernel32.dll", "Sleep", apihook.Stdcall(func(ms uintptr) uintptr {
		return 0
	}))
	defer h.Close()

New resolves the real address of the function and rewrites every import
address table slot in every loaded image, except the image hosting this
package, that holds it. Loads through LoadLibrary* are intercepted so images
mapped later are patched as well, and GetProcAddress answers with the hook for
a hooked function. Close puts the real address back.

Export address table entries are only rewritten on request, with
ReplaceExportEntry.

Code that calls through an address it computed or cached before the hook was
installed is not redirected, neither is code inside function bodies.

Settings are read once from the environment (APIHOOK_EXCLUDE_SELF,
APIHOOK_FIXUP_SCOPE, APIHOOK_LOG_LEVEL, APIHOOK_LOG_FORMAT) or from the file
named by APIHOOK_CONFIG.
*/
package apihook
