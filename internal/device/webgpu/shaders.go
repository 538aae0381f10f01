package webgpu

// WGSL compute shaders for the structured-sparsity kernels. Buffers hold
// f16 elements packed two per u32 word; pack2x16float/unpack2x16float do
// the conversions, so the shaders need no f16 extension.
//
// The kernels require densely packed matrices: leading dimension equal to
// the column count and batch slices stored back to back. The dispatch
// side rejects padded geometry before compiling anything.

// workgroupSize is the number of threads per workgroup.
const workgroupSize = 256

// shaderPruneStrip rewrites each four-wide group in place, keeping the
// two largest-magnitude elements. Strictly-greater comparisons make the
// earlier element win ties, matching the reference kernel.
const shaderPruneStrip = `
struct Params {
    groups: u32,
}

@group(0) @binding(0) var<storage, read_write> w: array<u32>;
@group(0) @binding(1) var<uniform> params: Params;

@compute @workgroup_size(256)
fn main(@builtin(global_invocation_id) id: vec3<u32>) {
    let g = id.x;
    if (g >= params.groups) {
        return;
    }
    let lo = unpack2x16float(w[2u * g]);
    let hi = unpack2x16float(w[2u * g + 1u]);
    var vals = array<f32, 4>(lo.x, lo.y, hi.x, hi.y);

    var best = 0u;
    var second = 4u;
    for (var i = 1u; i < 4u; i++) {
        if (abs(vals[i]) > abs(vals[best])) {
            second = best;
            best = i;
        } else if (second == 4u || abs(vals[i]) > abs(vals[second])) {
            second = i;
        }
    }
    for (var i = 0u; i < 4u; i++) {
        if (i != best && i != second) {
            vals[i] = 0.0;
        }
    }
    w[2u * g] = pack2x16float(vec2<f32>(vals[0], vals[1]));
    w[2u * g + 1u] = pack2x16float(vec2<f32>(vals[2], vals[3]));
}
`

// shaderPruneCheck raises the flag when any four-wide group holds more
// than two nonzeros. The flag must be cleared before the dispatch.
const shaderPruneCheck = `
struct Params {
    groups: u32,
}

@group(0) @binding(0) var<storage, read> w: array<u32>;
@group(0) @binding(1) var<storage, read_write> flag: array<atomic<u32>>;
@group(0) @binding(2) var<uniform> params: Params;

@compute @workgroup_size(256)
fn main(@builtin(global_invocation_id) id: vec3<u32>) {
    let g = id.x;
    if (g >= params.groups) {
        return;
    }
    let lo = unpack2x16float(w[2u * g]);
    let hi = unpack2x16float(w[2u * g + 1u]);
    var nonzero = 0u;
    if (lo.x != 0.0) { nonzero++; }
    if (lo.y != 0.0) { nonzero++; }
    if (hi.x != 0.0) { nonzero++; }
    if (hi.y != 0.0) { nonzero++; }
    if (nonzero > 2u) {
        atomicStore(&flag[0], 1u);
    }
}
`

// shaderCompress packs the pruned weight into values-then-metadata form.
// One thread owns one metadata word (eight groups), so no two threads
// write the same output word. Groups with fewer than two nonzeros pad
// their kept set with the lowest unused positions.
const shaderCompress = `
struct Params {
    groups_per_slice: u32,
    in_words_per_slice: u32,
    val_words_per_slice: u32,
    meta_words_per_slice: u32,
    out_words_per_slice: u32,
    slices: u32,
}

@group(0) @binding(0) var<storage, read> w: array<u32>;
@group(0) @binding(1) var<storage, read_write> compressed: array<u32>;
@group(0) @binding(2) var<uniform> params: Params;

@compute @workgroup_size(256)
fn main(@builtin(global_invocation_id) id: vec3<u32>) {
    let t = id.x;
    if (t >= params.meta_words_per_slice * params.slices) {
        return;
    }
    let s = t / params.meta_words_per_slice;
    let mw = t % params.meta_words_per_slice;

    var meta = 0u;
    for (var i = 0u; i < 8u; i++) {
        let g = mw * 8u + i;
        if (g >= params.groups_per_slice) {
            break;
        }
        let base = s * params.in_words_per_slice + 2u * g;
        let lo = unpack2x16float(w[base]);
        let hi = unpack2x16float(w[base + 1u]);
        let vals = array<f32, 4>(lo.x, lo.y, hi.x, hi.y);

        var kept = array<u32, 2>(4u, 4u);
        var n = 0u;
        for (var j = 0u; j < 4u; j++) {
            if (vals[j] != 0.0 && n < 2u) {
                kept[n] = j;
                n++;
            }
        }
        for (var j = 0u; j < 4u && n < 2u; j++) {
            if (j != kept[0]) {
                kept[n] = j;
                n++;
            }
        }
        if (kept[0] > kept[1]) {
            let tmp = kept[0];
            kept[0] = kept[1];
            kept[1] = tmp;
        }

        compressed[s * params.out_words_per_slice + g] =
            pack2x16float(vec2<f32>(vals[kept[0]], vals[kept[1]]));
        meta |= (kept[0] | (kept[1] << 2u)) << (4u * i);
    }
    compressed[s * params.out_words_per_slice + params.val_words_per_slice + mw] = meta;
}
`

// shaderSpmm computes D = alpha*(W_compressed x A) + beta*C + bias with
// f32 accumulation. One thread owns one output word (two adjacent f16
// results in a row), so no two threads write the same word. C and D are
// the out buffer; its prior contents are only read when beta is nonzero.
const shaderSpmm = `
struct Params {
    m: u32,
    n: u32,
    k: u32,
    batches: u32,
    w_broadcast: u32,
    stride_a: u32,
    comp_words_per_slice: u32,
    val_words_per_slice: u32,
    has_bias: u32,
    alpha: f32,
    beta: f32,
}

@group(0) @binding(0) var<storage, read> compressed: array<u32>;
@group(0) @binding(1) var<storage, read> act: array<u32>;
@group(0) @binding(2) var<storage, read_write> out: array<u32>;
@group(0) @binding(3) var<storage, read> bias: array<f32>;
@group(0) @binding(4) var<uniform> params: Params;

fn act_at(idx: u32) -> f32 {
    let pair = unpack2x16float(act[idx / 2u]);
    if ((idx & 1u) == 0u) {
        return pair.x;
    }
    return pair.y;
}

fn dot_row(e: u32) -> f32 {
    let per = params.m * params.n;
    let b = e / per;
    let r = (e % per) / params.n;
    let c = e % params.n;

    var w_slice = 0u;
    if (params.w_broadcast == 0u) {
        w_slice = b;
    }
    let base = w_slice * params.comp_words_per_slice;
    let kg = params.k / 4u;
    let a_base = b * params.stride_a + c;

    var acc = 0.0;
    for (var g = 0u; g < kg; g++) {
        let group = r * kg + g;
        let pair = unpack2x16float(compressed[base + group]);
        let meta = compressed[base + params.val_words_per_slice + group / 8u];
        let nib = (meta >> (4u * (group % 8u))) & 0xFu;
        acc += pair.x * act_at(a_base + (4u * g + (nib & 3u)) * params.n);
        acc += pair.y * act_at(a_base + (4u * g + ((nib >> 2u) & 3u)) * params.n);
    }
    return acc;
}

@compute @workgroup_size(256)
fn main(@builtin(global_invocation_id) id: vec3<u32>) {
    let t = id.x;
    let total = params.batches * params.m * params.n;
    if (t >= (total + 1u) / 2u) {
        return;
    }
    let per = params.m * params.n;
    let e0 = 2u * t;

    var old = vec2<f32>(0.0, 0.0);
    if (params.beta != 0.0) {
        old = unpack2x16float(out[t]);
    }

    var r0 = params.alpha * dot_row(e0) + params.beta * old.x;
    if (params.has_bias == 1u) {
        r0 += bias[(e0 % per) / params.n];
    }
    var r1 = 0.0;
    if (e0 + 1u < total) {
        r1 = params.alpha * dot_row(e0 + 1u) + params.beta * old.y;
        if (params.has_bias == 1u) {
            r1 += bias[((e0 + 1u) % per) / params.n];
        }
    }
    out[t] = pack2x16float(vec2<f32>(r0, r1));
}
`
