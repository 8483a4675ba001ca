package pwbrowser

const readFieldJS = `el => ({
	value: el.value == null ? (el.textContent || '') : String(el.value),
	checked: !!el.checked
})`

const dumpStorageJS = `name => {
	const store = window[name];
	const result = {};
	if (!store) return result;
	for (let i = 0; i < store.length; i++) {
		const k = store.key(i);
		if (k !== null) {
			const v = store.getItem(k);
			if (v !== null) result[k] = v;
		}
	}
	return result;
}`

// analyzeFormJS lists fillable controls. Selector preference: #id, then
// tag[name=...] when unique, then an nth-of-type path.
const analyzeFormJS = `() => {
	const skip = new Set(['hidden', 'submit', 'button', 'reset', 'image']);
	const esc = s => (window.CSS && CSS.escape) ? CSS.escape(s) : s.replace(/([^\w-])/g, '\\$1');

	const pathOf = el => {
		const parts = [];
		for (let n = el; n && n.nodeType === 1 && n !== document.documentElement; n = n.parentElement) {
			let i = 1;
			for (let s = n.previousElementSibling; s; s = s.previousElementSibling) {
				if (s.tagName === n.tagName) i++;
			}
			parts.unshift(n.tagName.toLowerCase() + ':nth-of-type(' + i + ')');
		}
		return 'html > ' + parts.join(' > ');
	};

	const selectorOf = el => {
		if (el.id && document.querySelectorAll('#' + esc(el.id)).length === 1) {
			return '#' + esc(el.id);
		}
		const name = el.getAttribute('name');
		if (name) {
			const sel = el.tagName.toLowerCase() + '[name="' + name.replace(/"/g, '\\"') + '"]';
			const matches = document.querySelectorAll(sel);
			if (matches.length === 1) return sel;
			if (el.type === 'radio') {
				return sel + '[value="' + String(el.value).replace(/"/g, '\\"') + '"]';
			}
		}
		return pathOf(el);
	};

	const labelOf = el => {
		if (el.labels && el.labels.length) return el.labels[0].textContent.trim();
		const aria = el.getAttribute('aria-label');
		if (aria) return aria.trim();
		const ph = el.getAttribute('placeholder');
		return ph ? ph.trim() : '';
	};

	const fields = [];
	document.querySelectorAll('input, select, textarea').forEach(el => {
		const tag = el.tagName.toLowerCase();
		let type = tag === 'input' ? (el.getAttribute('type') || 'text').toLowerCase() : tag;
		if (tag === 'input' && skip.has(type)) return;
		const f = {
			selector: selectorOf(el),
			type: type,
			label: labelOf(el),
			name: el.getAttribute('name') || '',
			required: !!el.required
		};
		if (tag === 'select') {
			f.options = Array.from(el.options).map(o => o.value || o.textContent.trim());
		}
		fields.push(f);
	});
	return fields;
}`
